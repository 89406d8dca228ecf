// Package scanner runs the batch queries that discover entities in the
// recorder tables. Every function is stateless; callers merge the results.
package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/logging"
	"github.com/rsclarke/orphanfinder/internal/models"
)

const frequencyWindow = 24 * time.Hour

// TableStats is the row count and most recent timestamp for one entity in one table.
type TableStats struct {
	Count      int64
	LastUpdate *time.Time
}

// ScanPrimaryIndex returns every entity id registered in states_meta.
func ScanPrimaryIndex(ctx context.Context, store *db.Store) (map[string]struct{}, error) {
	rows, err := store.QueryContext(ctx, "SELECT DISTINCT entity_id FROM states_meta")
	if err != nil {
		return nil, fmt.Errorf("query states_meta: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan states_meta: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// ScanPrimarySeries returns per-entity states counts and the update frequency
// of every entity that wrote at least twice in the 24 hours before now.
func ScanPrimarySeries(ctx context.Context, store *db.Store, now time.Time) (map[string]TableStats, map[string]models.Frequency, error) {
	stats, err := groupedStats(ctx, store, `
		SELECT sm.entity_id, COUNT(*), MAX(s.last_updated_ts)
		FROM states s
		JOIN states_meta sm ON s.metadata_id = sm.metadata_id
		GROUP BY sm.entity_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query states counts: %w", err)
	}

	cutoff := unixSeconds(now.Add(-frequencyWindow))
	rows, err := store.QueryContext(ctx, `
		SELECT sm.entity_id, COUNT(*)
		FROM states s
		JOIN states_meta sm ON s.metadata_id = sm.metadata_id
		WHERE s.last_updated_ts >= ?
		GROUP BY sm.entity_id
		HAVING COUNT(*) >= 2`, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("query update frequency: %w", err)
	}
	defer rows.Close()

	freqs := make(map[string]models.Frequency)
	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, nil, fmt.Errorf("scan update frequency: %w", err)
		}
		freqs[id] = frequencyFromCount(count)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read update frequency: %w", err)
	}
	return stats, freqs, nil
}

// frequencyFromCount spreads the 24h window evenly over count updates. The
// result is an average; bursty writers get the same interval as steady ones.
func frequencyFromCount(count int64) models.Frequency {
	interval := int64(frequencyWindow/time.Second) / count
	return models.Frequency{
		IntervalSeconds: interval,
		Count24h:        count,
		IntervalText:    models.FormatInterval(interval),
	}
}

// ScanRollupIndex maps statistic_id to statistics_meta.id.
func ScanRollupIndex(ctx context.Context, store *db.Store) (map[string]int64, error) {
	rows, err := store.QueryContext(ctx, "SELECT id, statistic_id FROM statistics_meta")
	if err != nil {
		return nil, fmt.Errorf("query statistics_meta: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var id int64
		var statisticID string
		if err := rows.Scan(&id, &statisticID); err != nil {
			return nil, fmt.Errorf("scan statistics_meta: %w", err)
		}
		ids[statisticID] = id
	}
	return ids, rows.Err()
}

// ScanRollupFine returns per-entity counts from statistics_short_term. Older
// recorders lack the table; that case yields an empty result and no error.
func ScanRollupFine(ctx context.Context, store *db.Store, logger *zap.Logger) (map[string]TableStats, error) {
	stats, err := groupedStats(ctx, store, rollupQuery(db.TableStatisticsShortTerm))
	if err != nil {
		if store.Dialect.IsMissingTable(err) {
			if logger != nil {
				logger.Info("short-term statistics table not available",
					logging.Table(db.TableStatisticsShortTerm), zap.Error(err))
			}
			return map[string]TableStats{}, nil
		}
		return nil, fmt.Errorf("query %s: %w", db.TableStatisticsShortTerm, err)
	}
	return stats, nil
}

// ScanRollupCoarse returns per-entity counts from the long-term statistics table.
func ScanRollupCoarse(ctx context.Context, store *db.Store) (map[string]TableStats, error) {
	stats, err := groupedStats(ctx, store, rollupQuery(db.TableStatistics))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", db.TableStatistics, err)
	}
	return stats, nil
}

func rollupQuery(table string) string {
	return fmt.Sprintf(`
		SELECT sm.statistic_id, COUNT(*), MAX(s.start_ts)
		FROM %s s
		JOIN statistics_meta sm ON s.metadata_id = sm.id
		GROUP BY sm.statistic_id`, table)
}

// groupedStats runs a query returning (entity id, count, max timestamp) rows.
func groupedStats(ctx context.Context, store *db.Store, query string, args ...any) (map[string]TableStats, error) {
	rows, err := store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]TableStats)
	for rows.Next() {
		var id string
		var count int64
		var last sql.NullFloat64
		if err := rows.Scan(&id, &count, &last); err != nil {
			return nil, err
		}
		stats[id] = TableStats{Count: count, LastUpdate: fromUnixSeconds(last)}
	}
	return stats, rows.Err()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v sql.NullFloat64) *time.Time {
	if !v.Valid || v.Float64 == 0 {
		return nil
	}
	sec, frac := math.Modf(v.Float64)
	t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return &t
}
