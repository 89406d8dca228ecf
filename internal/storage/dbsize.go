package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/logging"
)

// DatabaseSize summarizes row counts and on-disk sizes of the data tables.
type DatabaseSize struct {
	States              int64 `json:"states"`
	Statistics          int64 `json:"statistics"`
	StatisticsShortTerm int64 `json:"statistics_short_term"`
	// Other is a rough row estimate for metadata and auxiliary tables.
	Other int64 `json:"other"`

	StatesSize              int64 `json:"states_size"`
	StatisticsSize          int64 `json:"statistics_size"`
	StatisticsShortTermSize int64 `json:"statistics_short_term_size"`
	OtherSize               int64 `json:"other_size"`
}

// DatabaseSize counts rows in the data tables and asks the dialect for byte
// sizes. A failing size query is logged and leaves the sizes at zero.
func (e *Estimator) DatabaseSize(ctx context.Context) (*DatabaseSize, error) {
	var counts db.RowCounts
	var err error

	if counts.States, err = e.countAll(ctx, db.TableStates); err != nil {
		return nil, err
	}
	if counts.Statistics, err = e.countAll(ctx, db.TableStatistics); err != nil {
		return nil, err
	}
	counts.StatisticsShortTerm, err = e.countAll(ctx, db.TableStatisticsShortTerm)
	if err != nil {
		if !e.store.Dialect.IsMissingTable(err) {
			return nil, err
		}
		e.logger.Info("short-term statistics table not available", logging.Table(db.TableStatisticsShortTerm))
		counts.StatisticsShortTerm = 0
	}

	out := &DatabaseSize{
		States:              counts.States,
		Statistics:          counts.Statistics,
		StatisticsShortTerm: counts.StatisticsShortTerm,
		Other:               int64(float64(counts.Total()) * 0.1),
	}

	sizes, err := e.store.Dialect.TableSizes(ctx, e.store.DB, counts)
	if err != nil {
		e.logger.Warn("could not fetch table sizes", logging.Dialect(e.store.Dialect.Name()), zap.Error(err))
		return out, nil
	}
	out.StatesSize = sizes.States
	out.StatisticsSize = sizes.Statistics
	out.StatisticsShortTermSize = sizes.StatisticsShortTerm
	out.OtherSize = sizes.Other
	return out, nil
}

func (e *Estimator) countAll(ctx context.Context, table string) (int64, error) {
	if err := db.ValidateTable(table); err != nil {
		return 0, err
	}
	var n int64
	if err := e.store.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
