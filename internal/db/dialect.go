package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnsupportedDialect is returned for connection strings whose scheme is
// not SQLite, MySQL/MariaDB or PostgreSQL.
var ErrUnsupportedDialect = errors.New("unsupported database dialect")

// Querier is the subset of *sql.DB used by dialect queries.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RowCounts holds total row counts for the three data tables.
type RowCounts struct {
	States              int64
	Statistics          int64
	StatisticsShortTerm int64
}

// Total returns the sum of all counts.
func (c RowCounts) Total() int64 {
	return c.States + c.Statistics + c.StatisticsShortTerm
}

// TableSizes holds on-disk byte sizes for the data tables and everything else.
type TableSizes struct {
	States              int64
	Statistics          int64
	StatisticsShortTerm int64
	Other               int64
}

// Dialect centralizes every behavior that differs between storage engines:
// placeholder syntax, transaction framing, missing-table detection and
// row-size introspection.
type Dialect interface {
	Name() string
	DriverName() string
	// Rebind rewrites '?' placeholders into the dialect's native form.
	Rebind(query string) string
	BeginStatement() string
	CommitStatement() string
	// Floor rounds a non-negative numeric expression down to an integer.
	Floor(expr string) string
	// IsMissingTable reports whether err means the queried table does not exist.
	IsMissingTable(err error) bool
	// AverageRowSize returns the engine's average row length for table, or
	// fallback together with the error when it cannot be determined.
	AverageRowSize(ctx context.Context, q Querier, table string, fallback int64) (int64, error)
	// TableSizes reports per-table byte sizes for the database size overview.
	TableSizes(ctx context.Context, q Querier, counts RowCounts) (TableSizes, error)
}

// DialectFromURL selects a dialect from the scheme prefix of a connection string.
func DialectFromURL(rawURL string) (Dialect, error) {
	u := strings.ToLower(strings.TrimSpace(rawURL))
	switch {
	case strings.HasPrefix(u, "sqlite"):
		return SQLite{}, nil
	case strings.HasPrefix(u, "mysql"), strings.HasPrefix(u, "mariadb"):
		return MySQL{}, nil
	case strings.HasPrefix(u, "postgres"):
		return Postgres{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, schemeOf(rawURL))
}

func schemeOf(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// SQLite uses fixed row-size constants; it has no per-table size statistics.
type SQLite struct{}

func (SQLite) Name() string               { return "sqlite" }
func (SQLite) DriverName() string         { return "sqlite" }
func (SQLite) Rebind(query string) string { return query }
func (SQLite) BeginStatement() string     { return "BEGIN;" }
func (SQLite) CommitStatement() string    { return "COMMIT;" }

// Floor truncates with CAST; FLOOR() needs SQLite built with math functions.
func (SQLite) Floor(expr string) string { return "CAST(" + expr + " AS INTEGER)" }

func (SQLite) IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (SQLite) AverageRowSize(_ context.Context, _ Querier, table string, fallback int64) (int64, error) {
	if err := ValidateTable(table); err != nil {
		return fallback, err
	}
	return fallback, nil
}

// TableSizes apportions the whole file size by row share. Only 85% of the
// file is attributed to the data tables; the rest is reported as Other.
func (SQLite) TableSizes(ctx context.Context, q Querier, counts RowCounts) (TableSizes, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&total)
	if err != nil {
		return TableSizes{}, fmt.Errorf("query page size: %w", err)
	}

	n := counts.Total()
	if n == 0 {
		return TableSizes{Other: total}, nil
	}

	share := func(c int64) int64 {
		return int64(float64(c) / float64(n) * float64(total) * 0.85)
	}
	sizes := TableSizes{
		States:              share(counts.States),
		Statistics:          share(counts.Statistics),
		StatisticsShortTerm: share(counts.StatisticsShortTerm),
	}
	sizes.Other = total - sizes.States - sizes.Statistics - sizes.StatisticsShortTerm
	return sizes, nil
}

// MySQL covers MySQL and MariaDB, reading sizes from information_schema.
type MySQL struct{}

func (MySQL) Name() string               { return "mysql" }
func (MySQL) DriverName() string         { return "mysql" }
func (MySQL) Rebind(query string) string { return query }
func (MySQL) BeginStatement() string     { return "START TRANSACTION;" }
func (MySQL) CommitStatement() string    { return "COMMIT;" }
func (MySQL) Floor(expr string) string   { return "FLOOR(" + expr + ")" }

func (MySQL) IsMissingTable(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1146
}

func (MySQL) AverageRowSize(ctx context.Context, q Querier, table string, fallback int64) (int64, error) {
	if err := ValidateTable(table); err != nil {
		return fallback, err
	}
	var avg sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT avg_row_length
		FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?`, table).Scan(&avg)
	if err != nil {
		return fallback, fmt.Errorf("query avg_row_length for %s: %w", table, err)
	}
	if !avg.Valid || avg.Int64 <= 0 {
		return fallback, nil
	}
	return avg.Int64, nil
}

func (MySQL) TableSizes(ctx context.Context, q Querier, _ RowCounts) (TableSizes, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT table_name, data_length + index_length
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		AND table_name IN ('states', 'statistics', 'statistics_meta', 'statistics_short_term',
			'events', 'event_data', 'event_types', 'state_attributes', 'states_meta', 'recorder_runs')`)
	if err != nil {
		return TableSizes{}, fmt.Errorf("query table sizes: %w", err)
	}
	defer rows.Close()
	return collectTableSizes(rows)
}

// Postgres divides the physical relation size by the row count.
type Postgres struct{}

func (Postgres) Name() string            { return "postgres" }
func (Postgres) DriverName() string      { return "pgx" }
func (Postgres) BeginStatement() string  { return "BEGIN;" }
func (Postgres) CommitStatement() string { return "COMMIT;" }

func (Postgres) Floor(expr string) string { return "FLOOR(" + expr + ")" }

// Rebind numbers placeholders as $1, $2, ...
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (Postgres) IsMissingTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func (Postgres) AverageRowSize(ctx context.Context, q Querier, table string, fallback int64) (int64, error) {
	if err := ValidateTable(table); err != nil {
		return fallback, err
	}
	var avg sql.NullInt64
	query := fmt.Sprintf(
		"SELECT pg_total_relation_size('%s') / NULLIF((SELECT COUNT(*) FROM %s), 0)", table, table)
	if err := q.QueryRowContext(ctx, query).Scan(&avg); err != nil {
		return fallback, fmt.Errorf("query relation size for %s: %w", table, err)
	}
	if !avg.Valid || avg.Int64 <= 0 {
		return fallback, nil
	}
	return avg.Int64, nil
}

func (Postgres) TableSizes(ctx context.Context, q Querier, _ RowCounts) (TableSizes, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tablename, pg_total_relation_size(schemaname || '.' || tablename)
		FROM pg_tables
		WHERE schemaname = 'public'
		AND tablename IN ('states', 'statistics', 'statistics_meta', 'statistics_short_term',
			'events', 'event_data', 'event_types', 'state_attributes', 'states_meta', 'recorder_runs')`)
	if err != nil {
		return TableSizes{}, fmt.Errorf("query table sizes: %w", err)
	}
	defer rows.Close()
	return collectTableSizes(rows)
}

func collectTableSizes(rows *sql.Rows) (TableSizes, error) {
	var sizes TableSizes
	for rows.Next() {
		var name string
		var size sql.NullInt64
		if err := rows.Scan(&name, &size); err != nil {
			return TableSizes{}, err
		}
		switch name {
		case TableStates:
			sizes.States = size.Int64
		case TableStatistics:
			sizes.Statistics = size.Int64
		case TableStatisticsShortTerm:
			sizes.StatisticsShortTerm = size.Int64
		default:
			sizes.Other += size.Int64
		}
	}
	return sizes, rows.Err()
}
