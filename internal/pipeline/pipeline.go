// Package pipeline drives a scan through its nine stages. Each stage reads
// one source, folds the result into the session's entity map and returns a
// small progress report; the last stage returns the full entity list.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/apperr"
	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/directory"
	"github.com/rsclarke/orphanfinder/internal/enrich"
	"github.com/rsclarke/orphanfinder/internal/logging"
	"github.com/rsclarke/orphanfinder/internal/metrics"
	"github.com/rsclarke/orphanfinder/internal/models"
	"github.com/rsclarke/orphanfinder/internal/scanner"
	"github.com/rsclarke/orphanfinder/internal/session"
	"github.com/rsclarke/orphanfinder/internal/storage"
	"github.com/rsclarke/orphanfinder/internal/workpool"
)

// TotalSteps is the number of stages after initialization.
const TotalSteps = 8

// ErrShuttingDown rejects stage requests after BeginShutdown.
var ErrShuttingDown = errors.New("pipeline is shutting down")

// Result reports the outcome of one stage. Only the fields relevant to the
// stage are set.
type Result struct {
	Status              string
	TotalSteps          int
	SessionID           string
	EntitiesFound       *int
	TotalEntities       *int
	DeletedStorageBytes *int64

	// Set by the final stage only.
	Entities []models.EnrichedRecord
	Summary  *models.Summary
}

func complete() *Result { return &Result{Status: "complete"} }

// Config wires an Orchestrator. Sessions, Provider and Directory are
// required.
type Config struct {
	Sessions  *session.Store
	Provider  *db.Provider
	Directory directory.Directory
	Pool      *workpool.Pool
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// Orchestrator runs stages against per-session state.
type Orchestrator struct {
	sessions *session.Store
	provider *db.Provider
	dir      directory.Directory
	pool     *workpool.Pool
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	shuttingDown atomic.Bool
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sessions: cfg.Sessions,
		provider: cfg.Provider,
		dir:      cfg.Directory,
		pool:     cfg.Pool,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if o.pool == nil {
		o.pool = workpool.New(workpool.DefaultSize)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("pipeline")
	if o.now == nil {
		o.now = time.Now
	}
	if o.dir == nil {
		o.dir = directory.EmptySnapshot()
	}
	return o
}

// Step runs stage step for sessionID. Stage 0 creates a session, or
// re-initializes sessionID when one is given.
func (o *Orchestrator) Step(ctx context.Context, step int, sessionID string) (*Result, error) {
	if o.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if step < 0 || step > TotalSteps {
		return nil, apperr.New(apperr.InvalidInput, "invalid step %d: must be 0-%d", step, TotalSteps)
	}

	start := time.Now()
	res, err := o.dispatch(ctx, step, sessionID)
	o.metrics.ObserveStage(step, time.Since(start))

	if err != nil {
		cat := apperr.Classify(err)
		o.metrics.StageFailed(step, string(cat))
		o.logger.Error("stage failed",
			logging.Stage(step),
			logging.SessionID(sessionID),
			zap.String("category", string(cat)),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

// dispatch takes the session's turn before a worker slot, so requests
// queued behind a busy session never hold slots other sessions need.
func (o *Orchestrator) dispatch(ctx context.Context, step int, sessionID string) (*Result, error) {
	if step == 0 {
		return o.initialize(sessionID), nil
	}
	if sessionID == "" {
		return nil, apperr.New(apperr.SessionExpired, "missing session id for step %d", step)
	}

	release, err := o.sessions.Acquire(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, apperr.Wrap(apperr.SessionExpired, fmt.Errorf("step %d: %w", step, err))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Unknown, fmt.Errorf("step %d: wait for session: %w", step, err))
	}
	defer release()

	var res *Result
	err = o.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = o.run(ctx, step, sessionID)
		return err
	})
	return res, err
}

// run executes one stage. The caller holds the session's turn.
func (o *Orchestrator) run(ctx context.Context, step int, sessionID string) (*Result, error) {
	// The session may have finished or expired while we waited for it.
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.SessionExpired, fmt.Errorf("step %d: %w", step, err))
	}

	if step >= 7 && !sess.EnrichmentDone {
		return nil, apperr.New(apperr.InvalidInput, "step %d requires step 6 to have completed", step)
	}

	o.logger.Debug("running stage", logging.Stage(step), logging.SessionID(sessionID))

	var res *Result
	if step == 6 {
		res = o.enrich(ctx, sess)
	} else {
		store, err := o.provider.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		switch step {
		case 1:
			res, err = o.primaryIndex(ctx, store, sess)
		case 2:
			res, err = o.primarySeries(ctx, store, sess)
		case 3:
			res, err = o.rollupIndex(ctx, store, sess)
		case 4:
			res, err = o.rollupFine(ctx, store, sess)
		case 5:
			res, err = o.rollupCoarse(ctx, store, sess)
		case 7:
			res = o.deletedStorage(ctx, store, sess)
		case 8:
			res = o.finalize(ctx, store, sess)
		}
		if err != nil {
			return nil, err
		}
	}

	if step == TotalSteps {
		if err := o.sessions.Delete(sessionID); err != nil {
			o.logger.Debug("session already gone", logging.SessionID(sessionID))
		}
	} else if err := o.sessions.Touch(sessionID); err != nil {
		o.logger.Debug("session gone before touch", logging.SessionID(sessionID))
	}
	return res, nil
}

func (o *Orchestrator) initialize(sessionID string) *Result {
	if sessionID == "" {
		sessionID = o.sessions.Create()
	} else {
		o.sessions.CreateWithID(sessionID)
	}
	return &Result{Status: "initialized", TotalSteps: TotalSteps, SessionID: sessionID}
}

func found(n int) *Result {
	r := complete()
	r.EntitiesFound = &n
	return r
}

func (o *Orchestrator) primaryIndex(ctx context.Context, store *db.Store, sess *session.Session) (*Result, error) {
	ids, err := scanner.ScanPrimaryIndex(ctx, store)
	if err != nil {
		return nil, err
	}
	for id := range ids {
		sess.Entities.Get(id).InStatesMeta = true
	}
	return found(sess.Entities.Count(func(r *models.EntityRecord) bool { return r.InStatesMeta })), nil
}

func (o *Orchestrator) primarySeries(ctx context.Context, store *db.Store, sess *session.Session) (*Result, error) {
	stats, freqs, err := scanner.ScanPrimarySeries(ctx, store, o.now())
	if err != nil {
		return nil, err
	}
	for id, st := range stats {
		r := sess.Entities.Get(id)
		r.InStates = true
		r.StatesCount = st.Count
		r.LastStateUpdate = st.LastUpdate
	}
	for id, f := range freqs {
		sess.Entities.Get(id).UpdateFrequency = &f
	}
	return found(sess.Entities.Count(func(r *models.EntityRecord) bool { return r.InStates })), nil
}

func (o *Orchestrator) rollupIndex(ctx context.Context, store *db.Store, sess *session.Session) (*Result, error) {
	ids, err := scanner.ScanRollupIndex(ctx, store)
	if err != nil {
		return nil, err
	}
	for id, metaID := range ids {
		r := sess.Entities.Get(id)
		r.InStatisticsMeta = true
		r.MetadataID = &metaID
	}
	return found(sess.Entities.Count(func(r *models.EntityRecord) bool { return r.InStatisticsMeta })), nil
}

func (o *Orchestrator) rollupFine(ctx context.Context, store *db.Store, sess *session.Session) (*Result, error) {
	stats, err := scanner.ScanRollupFine(ctx, store, o.logger)
	if err != nil {
		return nil, err
	}
	for id, st := range stats {
		r := sess.Entities.Get(id)
		r.InStatisticsShortTerm = true
		r.StatsShortCount = st.Count
		r.MergeStatsUpdate(st.LastUpdate)
	}
	return found(sess.Entities.Count(func(r *models.EntityRecord) bool { return r.InStatisticsShortTerm })), nil
}

func (o *Orchestrator) rollupCoarse(ctx context.Context, store *db.Store, sess *session.Session) (*Result, error) {
	stats, err := scanner.ScanRollupCoarse(ctx, store)
	if err != nil {
		return nil, err
	}
	for id, st := range stats {
		r := sess.Entities.Get(id)
		r.InStatisticsLongTerm = true
		r.StatsLongCount = st.Count
		r.MergeStatsUpdate(st.LastUpdate)
	}
	return found(sess.Entities.Count(func(r *models.EntityRecord) bool { return r.InStatisticsLongTerm })), nil
}

func (o *Orchestrator) enrich(ctx context.Context, sess *session.Session) *Result {
	e := enrich.New(o.dir, o.logger)
	e.Now = o.now
	sess.Enriched = e.Enrich(ctx, sess.Entities)
	sess.EnrichmentDone = true

	r := complete()
	n := len(sess.Enriched)
	r.TotalEntities = &n
	return r
}

// deletedStorage sizes entities that exist in neither the registry nor the
// live state but still own a metadata row.
func (o *Orchestrator) deletedStorage(ctx context.Context, store *db.Store, sess *session.Session) *Result {
	var refs []storage.EntityRef
	for i := range sess.Enriched {
		e := &sess.Enriched[i]
		if e.InEntityRegistry || e.InStateMachine || !e.HasMetadataRow() {
			continue
		}
		if rec, ok := sess.Entities.Lookup(e.EntityID); ok && rec.MetadataID != nil {
			id := *rec.MetadataID
			e.MetadataID = &id
		}
		e.Origin = enrich.DetermineOrigin(&e.EntityRecord)
		refs = append(refs, refFor(e))
	}

	total := sumSizes(storage.NewEstimator(store, o.logger, o.metrics).EstimateMany(ctx, refs))
	sess.DeletedStorageBytes = total

	r := complete()
	r.DeletedStorageBytes = &total
	return r
}

func (o *Orchestrator) finalize(ctx context.Context, store *db.Store, sess *session.Session) *Result {
	var refs []storage.EntityRef
	for i := range sess.Enriched {
		e := &sess.Enriched[i]
		if e.RegistryStatus != models.RegistryDisabled || !e.HasMetadataRow() {
			continue
		}
		ref := refFor(e)
		if rec, ok := sess.Entities.Lookup(e.EntityID); ok {
			ref.MetadataID = rec.MetadataID
		}
		ref.Origin = enrich.DetermineOrigin(&e.EntityRecord)
		refs = append(refs, ref)
	}
	disabled := sumSizes(storage.NewEstimator(store, o.logger, o.metrics).EstimateMany(ctx, refs))

	summary := models.Summarize(sess.Entities.Len(), sess.Enriched, sess.DeletedStorageBytes, disabled)
	entities := sess.Enriched
	if entities == nil {
		entities = []models.EnrichedRecord{}
	}
	return &Result{Status: "complete", Entities: entities, Summary: &summary}
}

func refFor(e *models.EnrichedRecord) storage.EntityRef {
	return storage.EntityRef{
		EntityID:         e.EntityID,
		Origin:           e.Origin,
		InStatesMeta:     e.InStatesMeta,
		InStatisticsMeta: e.InStatisticsMeta,
		MetadataID:       e.MetadataID,
	}
}

func sumSizes(sizes map[string]int64) int64 {
	var total int64
	for _, n := range sizes {
		total += n
	}
	return total
}

// ShuttingDown reports whether BeginShutdown has been called.
func (o *Orchestrator) ShuttingDown() bool {
	return o.shuttingDown.Load()
}

// BeginShutdown rejects further stage requests. Stages already running keep
// their sessions and the database pool until Close.
func (o *Orchestrator) BeginShutdown() {
	if !o.shuttingDown.Swap(true) {
		o.logger.Info("rejecting new stage requests")
	}
}

// Close drops every session and closes the shared database pool. Call it
// once in-flight requests have drained.
func (o *Orchestrator) Close() error {
	o.BeginShutdown()
	o.sessions.ClearAll()
	if err := o.provider.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	o.logger.Info("pipeline shut down")
	return nil
}
