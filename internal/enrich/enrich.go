// Package enrich joins scanned entity records with the live directory.
package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/directory"
	"github.com/rsclarke/orphanfinder/internal/models"
)

// Enricher resolves registry, device, config entry and live state for each
// scanned entity.
type Enricher struct {
	Dir    directory.Directory
	Logger *zap.Logger
	Now    func() time.Time
}

// New returns an Enricher reading from dir.
func New(dir directory.Directory, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{Dir: dir, Logger: logger.Named("enrich"), Now: time.Now}
}

// Enrich builds one EnrichedRecord per entity, sorted by entity id.
func (e *Enricher) Enrich(ctx context.Context, m *models.EntityMap) []models.EnrichedRecord {
	now := e.Now()

	configs := make(map[string]directory.ConfigEntry)
	for _, c := range e.Dir.ConfigEntries() {
		configs[c.EntryID()] = c
	}

	ids := m.IDs()
	out := make([]models.EnrichedRecord, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			e.Logger.Warn("enrichment interrupted", zap.Int("done", len(out)), zap.Error(ctx.Err()))
			break
		}
		rec, _ := m.Lookup(id)
		out = append(out, e.enrichOne(id, rec, configs, now))
	}
	return out
}

func (e *Enricher) enrichOne(id string, rec *models.EntityRecord, configs map[string]directory.ConfigEntry, now time.Time) models.EnrichedRecord {
	var entry directory.Entity
	if ent, ok := e.Dir.Entity(id); ok {
		entry = ent
	}
	var state directory.HasLiveValue
	if st, ok := e.Dir.State(id); ok {
		state = st
	}

	out := models.EnrichedRecord{
		EntityID:         id,
		EntityRecord:     *rec,
		InEntityRegistry: entry != nil,
		RegistryStatus:   RegistryStatus(entry),
		InStateMachine:   state != nil,
		StateStatus:      StateStatus(state),
	}

	var device directory.Device
	var config directory.ConfigEntry
	if entry != nil {
		out.Platform = entry.Platform()
		out.DisabledBy = disabledBy(entry)

		if ref, ok := entry.(directory.HasDeviceRef); ok && ref.DeviceID() != "" {
			if d, ok := e.Dir.Device(ref.DeviceID()); ok {
				device = d
				out.DeviceName = d.Name()
				out.DeviceDisabled = d.Disabled()
			}
		}
		if ref, ok := entry.(directory.HasConfigRef); ok && ref.ConfigEntryID() != "" {
			if c, ok := configs[ref.ConfigEntryID()]; ok {
				config = c
				out.ConfigEntryState = c.State()
				out.ConfigEntryTitle = c.Title()
			}
		}
	}

	out.AvailabilityReason = AvailabilityReason(entry, device, config, state, now)
	out.UnavailableDurationSeconds = UnavailableDuration(state, now)

	if !rec.InStatisticsMeta {
		out.StatisticsEligibilityReason = StatisticsEligibility(id, entry, state)
	}

	if f := rec.UpdateFrequency; f != nil {
		out.UpdateInterval = f.IntervalText
		interval, count := f.IntervalSeconds, f.Count24h
		out.UpdateIntervalSeconds = &interval
		out.UpdateCount24h = &count
	}

	if out.HasMetadataRow() {
		out.Origin = DetermineOrigin(rec)
	}
	return out
}
