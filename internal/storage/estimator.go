// Package storage estimates how many bytes an entity's recorder rows occupy.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/logging"
	"github.com/rsclarke/orphanfinder/internal/metrics"
	"github.com/rsclarke/orphanfinder/internal/models"
)

// Row size constants in bytes. Data row sizes are fallbacks for dialects
// that report real averages; metadata row sizes are always used as-is.
const (
	StatesRowSize         = 150
	StatesMetaRowSize     = 100
	StatisticsRowSize     = 100
	StatisticsMetaRowSize = 200
)

// batchSize bounds the number of bound parameters in one IN (...) list.
const batchSize = 500

// EntityRef identifies an entity and the table families to size.
type EntityRef struct {
	EntityID         string        `json:"entity_id"`
	Origin           models.Origin `json:"origin"`
	InStatesMeta     bool          `json:"in_states_meta"`
	InStatisticsMeta bool          `json:"in_statistics_meta"`
	// MetadataID is the statistics_meta id, when already known.
	MetadataID *int64 `json:"metadata_id,omitempty"`
}

func (r EntityRef) wantsStates() bool {
	return r.InStatesMeta || r.Origin.IncludesStates()
}

func (r EntityRef) wantsStatistics() bool {
	return r.InStatisticsMeta || r.Origin.IncludesStatistics()
}

// Estimator converts row counts to bytes using the store's dialect.
type Estimator struct {
	store   *db.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEstimator returns an Estimator over store. m may be nil.
func NewEstimator(store *db.Store, logger *zap.Logger, m *metrics.Metrics) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{store: store, logger: logger.Named("storage"), metrics: m}
}

// EstimateOne returns the estimated bytes for one entity, or 0 when the
// estimate cannot be computed.
func (e *Estimator) EstimateOne(ctx context.Context, ref EntityRef) int64 {
	size, err := e.estimateOne(ctx, ref)
	if err != nil {
		e.logger.Warn("could not calculate entity storage", logging.EntityID(ref.EntityID), zap.Error(err))
		e.metrics.EstimationFailed()
		return 0
	}
	return size
}

func (e *Estimator) estimateOne(ctx context.Context, ref EntityRef) (int64, error) {
	var total int64

	if ref.wantsStates() {
		var metaID int64
		err := e.store.QueryRowContext(ctx,
			"SELECT metadata_id FROM states_meta WHERE entity_id = ?", ref.EntityID).Scan(&metaID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return 0, fmt.Errorf("lookup states_meta: %w", err)
		default:
			count, err := e.countRows(ctx, db.TableStates, metaID)
			if err != nil {
				return 0, err
			}
			total += count*e.rowSize(ctx, db.TableStates, StatesRowSize) + StatesMetaRowSize
		}
	}

	if ref.wantsStatistics() {
		metaID := ref.MetadataID
		if metaID == nil {
			var id int64
			err := e.store.QueryRowContext(ctx,
				"SELECT id FROM statistics_meta WHERE statistic_id = ?", ref.EntityID).Scan(&id)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return 0, fmt.Errorf("lookup statistics_meta: %w", err)
			default:
				metaID = &id
			}
		}
		if metaID != nil {
			var size int64
			if ref.Origin.IncludesLongTerm() {
				count, err := e.countRows(ctx, db.TableStatistics, *metaID)
				if err != nil {
					return 0, err
				}
				size += count * e.rowSize(ctx, db.TableStatistics, StatisticsRowSize)
			}
			if ref.Origin.IncludesShortTerm() {
				count, err := e.countRows(ctx, db.TableStatisticsShortTerm, *metaID)
				if err != nil {
					return 0, err
				}
				size += count * e.rowSize(ctx, db.TableStatisticsShortTerm, StatisticsRowSize)
			}
			total += size + StatisticsMetaRowSize
		}
	}

	return total, nil
}

func (e *Estimator) countRows(ctx context.Context, table string, metadataID int64) (int64, error) {
	if err := db.ValidateTable(table); err != nil {
		return 0, err
	}
	var n int64
	err := e.store.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE metadata_id = ?", table), metadataID).Scan(&n)
	if err != nil {
		if table == db.TableStatisticsShortTerm && e.store.Dialect.IsMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (e *Estimator) rowSize(ctx context.Context, table string, fallback int64) int64 {
	n, err := e.store.Dialect.AverageRowSize(ctx, e.store.DB, table, fallback)
	if err != nil {
		e.logger.Debug("using default row size", logging.Table(table), zap.Int64("bytes", fallback), zap.Error(err))
	}
	return n
}

// EstimateMany sizes a batch of entities with a fixed number of grouped
// queries instead of several per entity. Every ref gets an entry; on failure
// all entries are 0.
func (e *Estimator) EstimateMany(ctx context.Context, refs []EntityRef) map[string]int64 {
	out := make(map[string]int64, len(refs))
	for _, r := range refs {
		out[r.EntityID] = 0
	}
	if len(refs) == 0 {
		return out
	}

	sizes, err := e.estimateMany(ctx, refs)
	if err != nil {
		e.logger.Warn("could not calculate batch storage", zap.Int("entities", len(refs)), zap.Error(err))
		e.metrics.EstimationFailed()
		return out
	}
	for id, n := range sizes {
		out[id] = n
	}
	return out
}

func (e *Estimator) estimateMany(ctx context.Context, refs []EntityRef) (map[string]int64, error) {
	var statesIDs, statsLookup []string
	for _, r := range refs {
		if r.wantsStates() {
			statesIDs = append(statesIDs, r.EntityID)
		}
		if r.wantsStatistics() && r.MetadataID == nil {
			statsLookup = append(statsLookup, r.EntityID)
		}
	}

	statesMeta, err := e.lookupIDs(ctx, "SELECT entity_id, metadata_id FROM states_meta WHERE entity_id IN (%s)", statesIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup states_meta: %w", err)
	}
	statsMeta, err := e.lookupIDs(ctx, "SELECT statistic_id, id FROM statistics_meta WHERE statistic_id IN (%s)", statsLookup)
	if err != nil {
		return nil, fmt.Errorf("lookup statistics_meta: %w", err)
	}

	statsID := func(r EntityRef) (int64, bool) {
		if r.MetadataID != nil {
			return *r.MetadataID, true
		}
		id, ok := statsMeta[r.EntityID]
		return id, ok
	}

	var stateMetaIDs, longIDs, shortIDs []int64
	for _, r := range refs {
		if r.wantsStates() {
			if id, ok := statesMeta[r.EntityID]; ok {
				stateMetaIDs = append(stateMetaIDs, id)
			}
		}
		if r.wantsStatistics() {
			if id, ok := statsID(r); ok {
				if r.Origin.IncludesLongTerm() {
					longIDs = append(longIDs, id)
				}
				if r.Origin.IncludesShortTerm() {
					shortIDs = append(shortIDs, id)
				}
			}
		}
	}

	statesCounts, err := e.groupedCounts(ctx, db.TableStates, stateMetaIDs)
	if err != nil {
		return nil, err
	}
	longCounts, err := e.groupedCounts(ctx, db.TableStatistics, longIDs)
	if err != nil {
		return nil, err
	}
	shortCounts, err := e.groupedCounts(ctx, db.TableStatisticsShortTerm, shortIDs)
	if err != nil {
		return nil, err
	}

	var statesRow, longRow, shortRow int64
	if len(stateMetaIDs) > 0 {
		statesRow = e.rowSize(ctx, db.TableStates, StatesRowSize)
	}
	if len(longIDs) > 0 {
		longRow = e.rowSize(ctx, db.TableStatistics, StatisticsRowSize)
	}
	if len(shortIDs) > 0 {
		shortRow = e.rowSize(ctx, db.TableStatisticsShortTerm, StatisticsRowSize)
	}

	out := make(map[string]int64, len(refs))
	for _, r := range refs {
		var total int64
		if r.wantsStates() {
			if id, ok := statesMeta[r.EntityID]; ok {
				total += statesCounts[id]*statesRow + StatesMetaRowSize
			}
		}
		if r.wantsStatistics() {
			if id, ok := statsID(r); ok {
				if r.Origin.IncludesLongTerm() {
					total += longCounts[id] * longRow
				}
				if r.Origin.IncludesShortTerm() {
					total += shortCounts[id] * shortRow
				}
				total += StatisticsMetaRowSize
			}
		}
		out[r.EntityID] = total
	}
	return out, nil
}

// lookupIDs runs queryFmt, whose single %s receives a placeholder list, over
// keys in chunks and collects (key, id) rows.
func (e *Estimator) lookupIDs(ctx context.Context, queryFmt string, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	for start := 0; start < len(keys); start += batchSize {
		chunk := keys[start:min(start+batchSize, len(keys))]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		rows, err := e.store.QueryContext(ctx, fmt.Sprintf(queryFmt, placeholders(len(chunk))), args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var key string
			var id int64
			if err := rows.Scan(&key, &id); err != nil {
				rows.Close()
				return nil, err
			}
			out[key] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// groupedCounts returns row counts per metadata_id in table.
func (e *Estimator) groupedCounts(ctx context.Context, table string, ids []int64) (map[int64]int64, error) {
	if err := db.ValidateTable(table); err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		chunk := ids[start:min(start+batchSize, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf("SELECT metadata_id, COUNT(*) FROM %s WHERE metadata_id IN (%s) GROUP BY metadata_id",
			table, placeholders(len(chunk)))
		rows, err := e.store.QueryContext(ctx, query, args...)
		if err != nil {
			if table == db.TableStatisticsShortTerm && e.store.Dialect.IsMissingTable(err) {
				return out, nil
			}
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		for rows.Next() {
			var id, n int64
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s counts: %w", table, err)
			}
			out[id] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s counts: %w", table, err)
		}
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
