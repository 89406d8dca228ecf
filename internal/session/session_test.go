package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(zap.NewNop(), WithClock(clock.Now)), clock
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore()

	id := s.Create()
	require.NotEmpty(t, id)
	assert.True(t, s.Exists(id))

	sess, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	require.NotNil(t, sess.Entities)
	assert.Zero(t, sess.Entities.Len())
	assert.False(t, sess.EnrichmentDone)
}

func TestIDsAreUnique(t *testing.T) {
	s, _ := newTestStore()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := s.Create()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, s.Len())
}

func TestUnknownSession(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, s.Touch("missing"), ErrSessionNotFound)
	assert.ErrorIs(t, s.Delete("missing"), ErrSessionNotFound)
	_, err = s.Acquire(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, s.Exists("missing"))
}

func TestStaleSessionCollectedOnCreate(t *testing.T) {
	s, clock := newTestStore()

	stale := s.Create()
	clock.Advance(DefaultTimeout + time.Second)

	// Collection is lazy: the stale session is still visible until Create runs.
	assert.True(t, s.Exists(stale))

	fresh := s.Create()
	assert.False(t, s.Exists(stale))
	assert.True(t, s.Exists(fresh))
}

func TestTouchedSessionSurvives(t *testing.T) {
	s, clock := newTestStore()

	id := s.Create()
	clock.Advance(DefaultTimeout - time.Second)
	require.NoError(t, s.Touch(id))
	clock.Advance(DefaultTimeout - time.Second)

	s.Create()
	assert.True(t, s.Exists(id))
}

func TestSessionExactlyAtTimeoutSurvives(t *testing.T) {
	s, clock := newTestStore()

	id := s.Create()
	clock.Advance(DefaultTimeout)
	s.Create()
	assert.True(t, s.Exists(id))
}

func TestWithTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := NewStore(nil, WithClock(clock.Now), WithTimeout(10*time.Second))

	id := s.Create()
	clock.Advance(11 * time.Second)
	s.Create()
	assert.False(t, s.Exists(id))
}

func TestCreateWithIDReinitialises(t *testing.T) {
	s, _ := newTestStore()

	id := s.CreateWithID("resume-me")
	sess, err := s.Get(id)
	require.NoError(t, err)
	sess.Entities.Get("sensor.a").InStates = true
	sess.EnrichmentDone = true

	s.CreateWithID("resume-me")
	sess, err = s.Get("resume-me")
	require.NoError(t, err)
	assert.Zero(t, sess.Entities.Len())
	assert.False(t, sess.EnrichmentDone)
}

func TestDeleteAndClearAll(t *testing.T) {
	s, _ := newTestStore()

	a := s.Create()
	b := s.Create()
	require.NoError(t, s.Delete(a))
	assert.False(t, s.Exists(a))
	assert.ErrorIs(t, s.Delete(a), ErrSessionNotFound)

	s.ClearAll()
	assert.False(t, s.Exists(b))
	assert.Zero(t, s.Len())
}

func TestAcquireIsPerSession(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	a := s.Create()
	b := s.Create()

	releaseA, err := s.Acquire(ctx, a)
	require.NoError(t, err)

	releaseB, err := s.Acquire(ctx, b)
	require.NoError(t, err, "other sessions must not be blocked")
	releaseB()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(waitCtx, a)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	releaseA()
	releaseA, err = s.Acquire(ctx, a)
	require.NoError(t, err)
	releaseA()
}
