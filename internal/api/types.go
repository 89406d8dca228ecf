// Package api holds the JSON shapes shared by the server and the client.
package api

import (
	"github.com/rsclarke/orphanfinder/internal/models"
	"github.com/rsclarke/orphanfinder/internal/scanner"
	"github.com/rsclarke/orphanfinder/internal/storage"
)

// Version is reported by the database size endpoint.
const Version = "1.0"

// FinalStep is the stage that returns the entity list and ends the session.
const FinalStep = 8

// StepResponse is returned by stages 0 to 7.
type StepResponse struct {
	Status              string `json:"status"`
	TotalSteps          int    `json:"total_steps,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
	EntitiesFound       *int   `json:"entities_found,omitempty"`
	TotalEntities       *int   `json:"total_entities,omitempty"`
	DeletedStorageBytes *int64 `json:"deleted_storage_bytes,omitempty"`
}

// OverviewResponse is returned by the final stage.
type OverviewResponse struct {
	Entities []models.EnrichedRecord `json:"entities"`
	Summary  models.Summary          `json:"summary"`
}

type DeleteSQLResponse struct {
	EntityID     string `json:"entity_id"`
	SQL          string `json:"sql"`
	StorageSaved int64  `json:"storage_saved"`
}

type DatabaseSizeResponse struct {
	storage.DatabaseSize
	APIVersion string `json:"api_version"`
}

type HistogramResponse struct {
	EntityID string `json:"entity_id"`
	scanner.Histogram
}

// ErrorResponse carries a short error string and, for categorized
// failures, the category and its user-facing message.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`
}
