package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/logging"
)

// HistogramRanges lists the accepted histogram windows, in hours.
var HistogramRanges = []int{24, 48, 168}

// ValidHistogramRange reports whether hours is an accepted window.
func ValidHistogramRange(hours int) bool {
	for _, h := range HistogramRanges {
		if h == hours {
			return true
		}
	}
	return false
}

// Histogram counts state writes per clock hour. Counts[0] is the oldest hour
// and Counts[len-1] the hour that ended at the start of the current hour.
type Histogram struct {
	Counts         []int64 `json:"hourly_counts"`
	TotalMessages  int64   `json:"total_messages"`
	TimeRangeHours int     `json:"time_range_hours"`
}

// HourlyMessageCounts buckets the states rows of entityID over the given
// number of whole hours preceding the current UTC hour.
func HourlyMessageCounts(ctx context.Context, store *db.Store, logger *zap.Logger, entityID string, hours int, now time.Time) (*Histogram, error) {
	if !ValidHistogramRange(hours) {
		return nil, fmt.Errorf("invalid histogram range %d hours", hours)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	end := now.UTC().Truncate(time.Hour)
	start := end.Add(-time.Duration(hours) * time.Hour)
	endTS, startTS := unixSeconds(end), unixSeconds(start)

	bucket := store.Dialect.Floor("(s.last_updated_ts - ?) / 3600.0")
	query := fmt.Sprintf(`
		SELECT %s AS hour_bucket, COUNT(*)
		FROM states s
		JOIN states_meta sm ON s.metadata_id = sm.metadata_id
		WHERE sm.entity_id = ?
		AND s.last_updated_ts >= ?
		AND s.last_updated_ts < ?
		GROUP BY hour_bucket
		ORDER BY hour_bucket`, bucket)

	rows, err := store.QueryContext(ctx, query, startTS, entityID, startTS, endTS)
	if err != nil {
		return nil, fmt.Errorf("query hourly counts: %w", err)
	}
	defer rows.Close()

	h := &Histogram{Counts: make([]int64, hours), TimeRangeHours: hours}
	for rows.Next() {
		var b sql.NullFloat64
		var count int64
		if err := rows.Scan(&b, &count); err != nil {
			return nil, fmt.Errorf("scan hourly counts: %w", err)
		}
		idx := -1
		if b.Valid {
			idx = int(b.Float64)
		}
		if idx < 0 || idx >= hours {
			logger.Warn("unexpected hour bucket",
				logging.EntityID(entityID), zap.Int("bucket", idx), zap.Int("hours", hours))
			continue
		}
		h.Counts[idx] = count
		h.TotalMessages += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read hourly counts: %w", err)
	}
	return h, nil
}
