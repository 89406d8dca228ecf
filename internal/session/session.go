// Package session keeps per-scan state between pipeline stages.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rsclarke/orphanfinder/internal/logging"
	"github.com/rsclarke/orphanfinder/internal/models"
)

// DefaultTimeout is how long a session may sit idle before it is collected.
const DefaultTimeout = 300 * time.Second

// ErrSessionNotFound is returned for unknown, expired or deleted session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session holds the accumulated results of one scan.
type Session struct {
	ID        string
	CreatedAt time.Time

	// Entities is filled by the scan stages.
	Entities *models.EntityMap
	// Enriched is set once enrichment has run.
	Enriched            []models.EnrichedRecord
	EnrichmentDone      bool
	DeletedStorageBytes int64

	lastTouched time.Time
	turn        *semaphore.Weighted
}

// Store is an in-memory session registry. Stale sessions are collected
// lazily, only when a new session is created.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewStore returns an empty Store.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		sessions: make(map[string]*Session),
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   logger.Named("session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create collects stale sessions and starts a new one.
func (s *Store) Create() string {
	return s.CreateWithID(uuid.NewString())
}

// CreateWithID starts a session under a caller-supplied id, replacing any
// existing session with that id.
func (s *Store) CreateWithID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collectStaleLocked()

	now := s.now()
	s.sessions[id] = &Session{
		ID:          id,
		CreatedAt:   now,
		Entities:    models.NewEntityMap(),
		lastTouched: now,
		turn:        semaphore.NewWeighted(1),
	}
	s.logger.Debug("created session", logging.SessionID(id))
	return id
}

func (s *Store) collectStaleLocked() {
	now := s.now()
	for id, sess := range s.sessions {
		age := now.Sub(sess.lastTouched)
		if age > s.timeout {
			s.logger.Info("cleaning up stale session",
				logging.SessionID(id),
				zap.Duration("age", age.Truncate(time.Second)),
			)
			delete(s.sessions, id)
		}
	}
}

// Get returns the session for id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Touch marks the session as active now.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.lastTouched = s.now()
	return nil
}

// Exists reports whether id names a live session.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Delete removes the session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.logger.Debug("deleted session", logging.SessionID(id))
	return nil
}

// ClearAll drops every session.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.sessions); n > 0 {
		s.logger.Info("clearing sessions", zap.Int("count", n))
	}
	clear(s.sessions)
}

// Acquire waits until no other stage holds the session and returns the
// func that releases it. It gives up with ctx.Err() when ctx ends first.
func (s *Store) Acquire(ctx context.Context, id string) (release func(), err error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if err := sess.turn.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sess.turn.Release(1) }, nil
}

// Len returns the number of live sessions, stale ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
