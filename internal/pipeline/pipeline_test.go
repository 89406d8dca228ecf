package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/apperr"
	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/dbtest"
	"github.com/rsclarke/orphanfinder/internal/directory"
	"github.com/rsclarke/orphanfinder/internal/metrics"
	"github.com/rsclarke/orphanfinder/internal/models"
	"github.com/rsclarke/orphanfinder/internal/session"
	"github.com/rsclarke/orphanfinder/internal/workpool"
)

var now = time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC)

// A is tracked everywhere, B is disabled and has no live state, C and D are
// gone from the live system.
const liveYAML = `
entities:
  - entity_id: sensor.a
    platform: mqtt
  - entity_id: sensor.b
    platform: mqtt
    disabled_by: user
states:
  - entity_id: sensor.a
    state: "20.5"
    last_changed: 2024-03-10T12:00:00Z
    attributes:
      state_class: measurement
      unit_of_measurement: W
`

type fixture struct {
	orch     *Orchestrator
	sessions *session.Store
	provider *db.Provider
	metrics  *metrics.Metrics
}

// newFixture seeds 4 entities in states_meta, 2 with states rows, 3 in
// statistics_meta, 1 with short-term rows and 2 with long-term rows.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	rec := dbtest.New(t)
	rec.AddStatesMeta(1, "sensor.a")
	rec.AddStatesMeta(2, "sensor.b")
	rec.AddStatesMeta(3, "sensor.c")
	rec.AddStatesMeta(4, "sensor.d")
	rec.AddState(1, "20.5", now.Add(-time.Hour))
	rec.AddState(2, "3", now.Add(-48*time.Hour))
	rec.AddStatisticsMeta(10, "sensor.a")
	rec.AddStatisticsMeta(11, "sensor.c")
	rec.AddStatisticsMeta(12, "sensor.d")
	rec.AddShortTermStatistic(10, now.Add(-10*time.Minute))
	rec.AddStatistic(10, now.Add(-2*time.Hour))
	rec.AddStatistic(11, now.Add(-72*time.Hour))

	dir, err := directory.ParseSnapshot([]byte(liveYAML))
	require.NoError(t, err)

	provider := db.NewProvider(db.ConnConfig{URL: rec.URL()})
	t.Cleanup(func() { _ = provider.Close() })

	sessions := session.NewStore(zap.NewNop(), session.WithClock(func() time.Time { return now }))
	m := metrics.New()

	return &fixture{
		orch: New(Config{
			Sessions:  sessions,
			Provider:  provider,
			Directory: dir,
			Pool:      workpool.New(2),
			Metrics:   m,
			Logger:    zap.NewNop(),
			Now:       func() time.Time { return now },
		}),
		sessions: sessions,
		provider: provider,
		metrics:  m,
	}
}

func (f *fixture) step(t *testing.T, step int, id string) *Result {
	t.Helper()
	res, err := f.orch.Step(context.Background(), step, id)
	require.NoError(t, err, "step %d", step)
	require.NotNil(t, res)
	return res
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	res := f.step(t, 0, "")
	require.NotEmpty(t, res.SessionID)
	return res.SessionID
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)

	res := f.step(t, 0, "")
	assert.Equal(t, "initialized", res.Status)
	assert.Equal(t, 8, res.TotalSteps)
	id := res.SessionID

	for i, want := range []int{4, 2, 3, 1, 2} {
		res := f.step(t, i+1, id)
		assert.Equal(t, "complete", res.Status)
		require.NotNil(t, res.EntitiesFound, "step %d", i+1)
		assert.Equal(t, want, *res.EntitiesFound, "step %d", i+1)
	}

	res = f.step(t, 6, id)
	require.NotNil(t, res.TotalEntities)
	assert.Equal(t, 4, *res.TotalEntities)

	// C: 0 states rows + states_meta 100, 1 long-term row 100 + statistics_meta 200.
	// D: states_meta 100 + statistics_meta 200.
	res = f.step(t, 7, id)
	require.NotNil(t, res.DeletedStorageBytes)
	assert.Equal(t, int64(400+300), *res.DeletedStorageBytes)

	res = f.step(t, 8, id)
	require.NotNil(t, res.Summary)
	s := res.Summary
	assert.Equal(t, 4, s.TotalEntities)
	assert.Equal(t, 1, s.OnlyInStates)
	assert.Equal(t, 2, s.OnlyInStatistics)
	assert.Equal(t, 1, s.InBothStatesAndStats)
	assert.Equal(t, 2, s.OrphanedStatesMeta)
	assert.Equal(t, 1, s.OrphanedStatisticsMeta)
	assert.Equal(t, 2, s.InEntityRegistry)
	assert.Equal(t, 1, s.RegistryDisabled)
	assert.Equal(t, 2, s.DeletedFromRegistry)
	assert.Equal(t, int64(700), s.DeletedStorageBytes)
	// B: one states row 150 + states_meta 100.
	assert.Equal(t, int64(250), s.DisabledStorageBytes)

	require.Len(t, res.Entities, 4)
	byID := map[string]models.EnrichedRecord{}
	for _, e := range res.Entities {
		byID[e.EntityID] = e
	}
	assert.Equal(t, models.OriginStatesStatistics, byID["sensor.c"].Origin)
	require.NotNil(t, byID["sensor.c"].MetadataID)
	assert.Equal(t, int64(11), *byID["sensor.c"].MetadataID)
	assert.Equal(t, models.RegistryEnabled, byID["sensor.a"].RegistryStatus)
	assert.Equal(t, models.StateAvailable, byID["sensor.a"].StateStatus)

	assert.False(t, f.sessions.Exists(id), "session is deleted after the final stage")
	_, err := f.orch.Step(context.Background(), 1, id)
	assert.True(t, apperr.Is(err, apperr.SessionExpired))
}

func TestFlagsSetOnlyByOwnStage(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	record := func(entityID string) models.EntityRecord {
		sess, err := f.sessions.Get(id)
		require.NoError(t, err)
		r, ok := sess.Entities.Lookup(entityID)
		require.True(t, ok, entityID)
		return *r
	}

	f.step(t, 1, id)
	assert.Equal(t, models.EntityRecord{InStatesMeta: true}, record("sensor.a"))

	f.step(t, 2, id)
	a := record("sensor.a")
	assert.True(t, a.InStates)
	assert.Equal(t, int64(1), a.StatesCount)
	assert.False(t, a.InStatisticsMeta)
	assert.Nil(t, a.MetadataID)

	f.step(t, 3, id)
	a = record("sensor.a")
	assert.True(t, a.InStatisticsMeta)
	assert.False(t, a.InStatisticsShortTerm)
	assert.False(t, a.InStatisticsLongTerm)
	require.NotNil(t, a.MetadataID)
	assert.Equal(t, int64(10), *a.MetadataID)

	f.step(t, 4, id)
	a = record("sensor.a")
	assert.True(t, a.InStatisticsShortTerm)
	assert.False(t, a.InStatisticsLongTerm)
	assert.Equal(t, int64(1), a.StatsShortCount)

	f.step(t, 5, id)
	a = record("sensor.a")
	assert.True(t, a.InStatisticsLongTerm)
	assert.Equal(t, int64(1), a.StatsLongCount)
	require.NotNil(t, a.LastStatsUpdate)
	assert.Equal(t, now.Add(-10*time.Minute).Unix(), a.LastStatsUpdate.Unix())

	c := record("sensor.c")
	assert.False(t, c.InStates)
	assert.False(t, c.InStatisticsShortTerm)
	assert.True(t, c.InStatisticsLongTerm)
}

func TestSessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Step(ctx, 1, "")
	assert.True(t, apperr.Is(err, apperr.SessionExpired))

	_, err = f.orch.Step(ctx, 3, "no-such-session")
	assert.True(t, apperr.Is(err, apperr.SessionExpired))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StageErrors.WithLabelValues("3", "SESSION_EXPIRED")))
}

func TestInvalidSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t)

	for _, step := range []int{-1, 9} {
		_, err := f.orch.Step(ctx, step, id)
		assert.True(t, apperr.Is(err, apperr.InvalidInput), "step %d", step)
	}

	_, err := f.orch.Step(ctx, 7, id)
	assert.True(t, apperr.Is(err, apperr.InvalidInput))
	_, err = f.orch.Step(ctx, 8, id)
	assert.True(t, apperr.Is(err, apperr.InvalidInput))
	assert.True(t, f.sessions.Exists(id))
}

func TestResumeReinitializes(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.step(t, 1, id)

	res := f.step(t, 0, id)
	assert.Equal(t, id, res.SessionID)

	sess, err := f.sessions.Get(id)
	require.NoError(t, err)
	assert.Zero(t, sess.Entities.Len())
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	a := f.start(t)
	b := f.start(t)
	require.NotEqual(t, a, b)

	f.step(t, 1, a)

	sess, err := f.sessions.Get(b)
	require.NoError(t, err)
	assert.Zero(t, sess.Entities.Len())
}

func TestShutdownKeepsStateUntilClose(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.step(t, 1, id)

	f.orch.BeginShutdown()
	assert.True(t, f.orch.ShuttingDown())
	_, err := f.orch.Step(context.Background(), 0, "")
	assert.ErrorIs(t, err, ErrShuttingDown)

	// Work admitted before shutdown still sees its session and pool.
	assert.Equal(t, 1, f.sessions.Len())
	store, err := f.provider.Get(context.Background())
	require.NoError(t, err)
	var n int
	require.NoError(t, store.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM states_meta").Scan(&n))
	assert.Equal(t, 4, n)

	require.NoError(t, f.orch.Close())
	assert.Zero(t, f.sessions.Len())
	assert.Error(t, store.DB.PingContext(context.Background()), "pool must be closed")
}

func TestBusySessionDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t)
	a := f.start(t)
	b := f.start(t)

	release, err := f.sessions.Acquire(context.Background(), a)
	require.NoError(t, err)

	waitCtx, cancelWaiters := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.orch.Step(waitCtx, 1, a)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res, err := f.orch.Step(ctx, 1, b)
	require.NoError(t, err, "session b must not wait behind session a")
	require.NotNil(t, res.EntitiesFound)
	assert.Equal(t, 4, *res.EntitiesFound)

	cancelWaiters()
	for i := 0; i < 2; i++ {
		err := <-errs
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, apperr.Unknown, apperr.Classify(err))
	}
	release()

	f.step(t, 1, a)
}

func TestEmptyDatabase(t *testing.T) {
	rec := dbtest.New(t)
	provider := db.NewProvider(db.ConnConfig{URL: rec.URL()})
	t.Cleanup(func() { _ = provider.Close() })
	orch := New(Config{Sessions: session.NewStore(nil), Provider: provider})

	ctx := context.Background()
	res, err := orch.Step(ctx, 0, "")
	require.NoError(t, err)
	id := res.SessionID

	for step := 1; step <= 8; step++ {
		res, err = orch.Step(ctx, step, id)
		require.NoError(t, err, "step %d", step)
	}
	require.NotNil(t, res.Summary)
	assert.Zero(t, res.Summary.TotalEntities)
	assert.NotNil(t, res.Entities)
	assert.Empty(t, res.Entities)
}
