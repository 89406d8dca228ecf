// Package script builds transactional DELETE scripts that remove one
// entity's recorder rows. Scripts are returned for manual execution and are
// never run by this module.
package script

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/logging"
	"github.com/rsclarke/orphanfinder/internal/storage"
)

// NoData is returned instead of a script when no rows belong to the entity.
const NoData = "-- No data found to delete"

// Builder resolves metadata ids and renders the script in the store's
// transaction syntax.
type Builder struct {
	store  *db.Store
	logger *zap.Logger
}

func NewBuilder(store *db.Store, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: store, logger: logger.Named("script")}
}

// BuildDeleteScript returns the statements that remove ref's rows, children
// before parents. A failed metadata lookup skips that table family.
func (b *Builder) BuildDeleteScript(ctx context.Context, ref storage.EntityRef) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var stmts []string
	if ref.InStatesMeta || ref.Origin.IncludesStates() {
		s, err := b.statesFamily(ctx, ref.EntityID)
		if err != nil {
			b.logger.Warn("could not look up states_meta id", logging.EntityID(ref.EntityID), zap.Error(err))
		}
		stmts = append(stmts, s...)
	}
	if ref.InStatisticsMeta || ref.Origin.IncludesStatistics() {
		s, err := b.statisticsFamily(ctx, ref)
		if err != nil {
			b.logger.Warn("could not look up statistics_meta id", logging.EntityID(ref.EntityID), zap.Error(err))
		}
		stmts = append(stmts, s...)
	}

	if len(stmts) == 0 {
		return NoData, nil
	}

	var sb strings.Builder
	sb.WriteString(b.store.Dialect.BeginStatement())
	sb.WriteByte('\n')
	for _, s := range stmts {
		sb.WriteString(s)
		sb.WriteByte('\n')
	}
	sb.WriteString(b.store.Dialect.CommitStatement())
	return sb.String(), nil
}

func (b *Builder) statesFamily(ctx context.Context, entityID string) ([]string, error) {
	var id int64
	err := b.store.QueryRowContext(ctx,
		"SELECT metadata_id FROM states_meta WHERE entity_id = ?", entityID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// The nested derived table lets MySQL update states while selecting from it.
	update := fmt.Sprintf("UPDATE %s SET old_state_id = NULL WHERE old_state_id IN "+
		"(SELECT state_id FROM (SELECT state_id FROM %s WHERE metadata_id = %d) AS temp);",
		db.TableStates, db.TableStates, id)

	states, err := deleteWhere(db.TableStates, "metadata_id", id)
	if err != nil {
		return nil, err
	}
	meta, err := deleteWhere(db.TableStatesMeta, "metadata_id", id)
	if err != nil {
		return nil, err
	}
	return []string{update, states, meta}, nil
}

func (b *Builder) statisticsFamily(ctx context.Context, ref storage.EntityRef) ([]string, error) {
	var id int64
	if ref.MetadataID != nil {
		id = *ref.MetadataID
	} else {
		err := b.store.QueryRowContext(ctx,
			"SELECT id FROM statistics_meta WHERE statistic_id = ?", ref.EntityID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	if id == 0 {
		return nil, nil
	}

	var tables []string
	if ref.Origin.IncludesLongTerm() {
		tables = append(tables, db.TableStatistics)
	}
	if ref.Origin.IncludesShortTerm() {
		tables = append(tables, db.TableStatisticsShortTerm)
	}

	stmts := make([]string, 0, len(tables)+1)
	for _, t := range tables {
		s, err := deleteWhere(t, "metadata_id", id)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	meta, err := deleteWhere(db.TableStatisticsMeta, "id", id)
	if err != nil {
		return nil, err
	}
	return append(stmts, meta), nil
}

func deleteWhere(table, column string, id int64) (string, error) {
	if err := db.ValidateTable(table); err != nil {
		return "", err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %d;", table, column, id), nil
}
