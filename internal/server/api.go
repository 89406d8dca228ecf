// Package server implements the orphanfinder HTTP API.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/api"
	"github.com/rsclarke/orphanfinder/internal/apperr"
	"github.com/rsclarke/orphanfinder/internal/auth"
	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/logging"
	"github.com/rsclarke/orphanfinder/internal/metrics"
	"github.com/rsclarke/orphanfinder/internal/models"
	"github.com/rsclarke/orphanfinder/internal/pipeline"
	"github.com/rsclarke/orphanfinder/internal/scanner"
	"github.com/rsclarke/orphanfinder/internal/script"
	"github.com/rsclarke/orphanfinder/internal/storage"
)

const validOrigins = "Both, Long-term, Short-term, States, States+Statistics"

// APIServer serves scans, cleanup scripts and database statistics.
type APIServer struct {
	Pipeline *pipeline.Orchestrator
	// Provider must be the provider the pipeline was built with.
	Provider *db.Provider
	Verifier *auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// AuthMiddleware validates the bearer API key.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		if s.Verifier == nil || !s.Verifier.Verify(apiKey) {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) rejectDuringShutdown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Pipeline.ShuttingDown() {
			s.logger().Warn("request received during shutdown", logging.Path(r.URL.Path))
			writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{
				Error: "service is shutting down, please try again in a moment",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler for the API server. /metrics is served
// without authentication.
func (s *APIServer) Handler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /v1/overview/step", s.handleStep)
	apiMux.HandleFunc("GET /v1/delete-sql", s.handleDeleteSQL)
	apiMux.HandleFunc("GET /v1/database-size", s.handleDatabaseSize)
	apiMux.HandleFunc("GET /v1/entities/{entity_id}/histogram", s.handleHistogram)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.Metrics.Handler())
	mux.Handle("/", s.AuthMiddleware(s.rejectDuringShutdown(apiMux)))

	return s.logRequests(mux)
}

func (s *APIServer) handleStep(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stepParam := q.Get("step")
	sessionID := q.Get("session_id")

	if stepParam == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Missing step parameter"})
		return
	}
	step, err := strconv.Atoi(stepParam)
	if err != nil {
		s.logger().Warn("invalid step parameter", zap.String("step", stepParam))
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid parameters provided"})
		return
	}
	if step < 0 || step > pipeline.TotalSteps {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
			Error: fmt.Sprintf("Step must be between 0 and %d, got %d", pipeline.TotalSteps, step),
		})
		return
	}
	if step > 0 && sessionID == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
			Error: fmt.Sprintf("session_id parameter required for steps 1-%d", pipeline.TotalSteps),
		})
		return
	}

	res, err := s.Pipeline.Step(r.Context(), step, sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if step == api.FinalStep {
		resp := api.OverviewResponse{Entities: res.Entities}
		if res.Summary != nil {
			resp.Summary = *res.Summary
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, api.StepResponse{
		Status:              res.Status,
		TotalSteps:          res.TotalSteps,
		SessionID:           res.SessionID,
		EntitiesFound:       res.EntitiesFound,
		TotalEntities:       res.TotalEntities,
		DeletedStorageBytes: res.DeletedStorageBytes,
	})
}

func (s *APIServer) handleDeleteSQL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityID := q.Get("entity_id")
	originParam := q.Get("origin")

	if entityID == "" || originParam == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Missing origin or entity_id"})
		return
	}
	if !validEntityID(entityID) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid entity_id format (must be domain.entity)"})
		return
	}
	origin, err := models.ParseOrigin(originParam)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid origin. Must be one of: " + validOrigins})
		return
	}

	ref := storage.EntityRef{
		EntityID:         entityID,
		Origin:           origin,
		InStatesMeta:     strings.EqualFold(q.Get("in_states_meta"), "true"),
		InStatisticsMeta: strings.EqualFold(q.Get("in_statistics_meta"), "true"),
	}
	if v := q.Get("metadata_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid parameters provided"})
			return
		}
		ref.MetadataID = &id
	}

	store, err := s.Provider.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	logger := s.logger()
	sql, err := script.NewBuilder(store, logger).BuildDeleteScript(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	saved := storage.NewEstimator(store, logger, s.Metrics).EstimateOne(r.Context(), ref)

	writeJSON(w, http.StatusOK, api.DeleteSQLResponse{
		EntityID:     entityID,
		SQL:          sql,
		StorageSaved: saved,
	})
}

func (s *APIServer) handleDatabaseSize(w http.ResponseWriter, r *http.Request) {
	store, err := s.Provider.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	size, err := storage.NewEstimator(store, s.logger(), s.Metrics).DatabaseSize(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DatabaseSizeResponse{DatabaseSize: *size, APIVersion: api.Version})
}

func (s *APIServer) handleHistogram(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	if !validEntityID(entityID) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid or missing entity_id"})
		return
	}

	hoursParam := r.URL.Query().Get("hours")
	if hoursParam == "" {
		hoursParam = "24"
	}
	hours, err := strconv.Atoi(hoursParam)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid hours parameter"})
		return
	}
	if !scanner.ValidHistogramRange(hours) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "hours must be 24, 48, or 168"})
		return
	}

	store, err := s.Provider.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	h, err := scanner.HourlyMessageCounts(r.Context(), store, s.logger(), entityID, hours, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.HistogramResponse{EntityID: entityID, Histogram: *h})
}

// writeError maps err to a categorized response. Raw database errors are
// logged, never returned.
func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrShuttingDown) {
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{
			Error: "service is shutting down, please try again in a moment",
		})
		return
	}

	cat := apperr.Classify(err)
	resp := api.ErrorResponse{
		Error:    "An error occurred processing the request",
		Category: string(cat),
		Message:  cat.Message(),
	}
	switch cat {
	case apperr.InvalidInput, apperr.SessionExpired:
		resp.Error = err.Error()
		s.logger().Warn("request rejected", zap.String("category", resp.Category), zap.Error(err))
	default:
		s.logger().Error("request failed", zap.String("category", resp.Category), zap.Error(err))
	}
	writeJSON(w, cat.HTTPStatus(), resp)
}

// validEntityID accepts exactly one dot with a non-empty domain and object.
func validEntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	return ok && domain != "" && object != "" && !strings.Contains(object, ".")
}

func (s *APIServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *APIServer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger().Debug("request",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
