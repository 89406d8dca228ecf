// Package dbtest builds throwaway SQLite recorder databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsclarke/orphanfinder/internal/db"
	_ "modernc.org/sqlite"
)

const schemaStates = `
CREATE TABLE states_meta (
	metadata_id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id VARCHAR(255) NOT NULL UNIQUE
);
CREATE TABLE states (
	state_id INTEGER PRIMARY KEY AUTOINCREMENT,
	metadata_id INTEGER,
	state VARCHAR(255),
	last_updated_ts REAL,
	old_state_id INTEGER,
	FOREIGN KEY (metadata_id) REFERENCES states_meta(metadata_id),
	FOREIGN KEY (old_state_id) REFERENCES states(state_id)
);
CREATE TABLE statistics_meta (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	statistic_id VARCHAR(255) NOT NULL UNIQUE,
	source VARCHAR(255),
	unit_of_measurement VARCHAR(255),
	has_mean BOOLEAN,
	has_sum BOOLEAN
);
CREATE TABLE statistics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	metadata_id INTEGER,
	start_ts REAL NOT NULL,
	mean REAL,
	min REAL,
	max REAL,
	sum REAL,
	state REAL,
	FOREIGN KEY (metadata_id) REFERENCES statistics_meta(id)
);`

const schemaShortTerm = `
CREATE TABLE statistics_short_term (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	metadata_id INTEGER,
	start_ts REAL NOT NULL,
	mean REAL,
	min REAL,
	max REAL,
	sum REAL,
	state REAL,
	FOREIGN KEY (metadata_id) REFERENCES statistics_meta(id)
);`

// Recorder is a seeded recorder database on disk.
type Recorder struct {
	t    testing.TB
	Path string
	// Writer is a read-write handle used for seeding. The Store returned by
	// Open is read-only.
	Writer *sql.DB
}

type options struct {
	withoutShortTerm bool
}

// Option customizes the schema.
type Option func(*options)

// WithoutShortTerm omits the statistics_short_term table, as on recorders
// that predate it.
func WithoutShortTerm() Option {
	return func(o *options) { o.withoutShortTerm = true }
}

// New creates an empty recorder schema in t.TempDir().
func New(t testing.TB, opts ...Option) *Recorder {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	path := filepath.Join(t.TempDir(), "home-assistant_v2.db")
	w, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	w.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = w.Close() })

	_, err = w.Exec(schemaStates)
	require.NoError(t, err)
	if !o.withoutShortTerm {
		_, err = w.Exec(schemaShortTerm)
		require.NoError(t, err)
	}

	return &Recorder{t: t, Path: path, Writer: w}
}

// URL returns a sqlite:/// connection string for the database.
func (r *Recorder) URL() string {
	return "sqlite:///" + r.Path
}

// Open returns a read-only Store for the database, closed on test cleanup.
func (r *Recorder) Open() *db.Store {
	r.t.Helper()
	store, err := db.Open(context.Background(), db.ConnConfig{URL: r.URL()})
	require.NoError(r.t, err)
	r.t.Cleanup(func() { _ = store.Close() })
	return store
}

// AddStatesMeta registers entityID in states_meta under metadataID.
func (r *Recorder) AddStatesMeta(metadataID int64, entityID string) {
	r.t.Helper()
	r.exec("INSERT INTO states_meta (metadata_id, entity_id) VALUES (?, ?)", metadataID, entityID)
}

// AddState appends a states row and returns its state_id.
func (r *Recorder) AddState(metadataID int64, state string, at time.Time) int64 {
	r.t.Helper()
	res, err := r.Writer.Exec(
		"INSERT INTO states (metadata_id, state, last_updated_ts) VALUES (?, ?, ?)",
		metadataID, state, unixSeconds(at))
	require.NoError(r.t, err)
	id, err := res.LastInsertId()
	require.NoError(r.t, err)
	return id
}

// AddStatisticsMeta registers statisticID in statistics_meta under id.
func (r *Recorder) AddStatisticsMeta(id int64, statisticID string) {
	r.t.Helper()
	r.exec(`INSERT INTO statistics_meta (id, statistic_id, source, unit_of_measurement, has_mean, has_sum)
		VALUES (?, ?, 'recorder', 'W', 1, 0)`, id, statisticID)
}

// AddStatistic appends a long-term statistics row.
func (r *Recorder) AddStatistic(metadataID int64, start time.Time) {
	r.t.Helper()
	r.exec("INSERT INTO statistics (metadata_id, start_ts, mean, min, max, state) VALUES (?, ?, 1, 0, 2, 1)",
		metadataID, unixSeconds(start))
}

// AddShortTermStatistic appends a statistics_short_term row.
func (r *Recorder) AddShortTermStatistic(metadataID int64, start time.Time) {
	r.t.Helper()
	r.exec("INSERT INTO statistics_short_term (metadata_id, start_ts, mean, min, max, state) VALUES (?, ?, 1, 0, 2, 1)",
		metadataID, unixSeconds(start))
}

func (r *Recorder) exec(query string, args ...any) {
	r.t.Helper()
	_, err := r.Writer.Exec(query, args...)
	require.NoError(r.t, err)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
