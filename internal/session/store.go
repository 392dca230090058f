package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/matiasw/chebot/internal/metrics"
	"github.com/matiasw/chebot/internal/storage"
)

// Store defaults.
const (
	DefaultMaxHistory    = 200
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// StoreConfig tunes the session cache.
type StoreConfig struct {
	// MaxHistory bounds each session's retained messages.
	MaxHistory int
	// IdleTTL is how long an untouched clean session stays cached.
	IdleTTL time.Duration
	// Now overrides the clock for deterministic tests. Nil means time.Now.
	Now func() time.Time
}

// entry is one user's cache slot. Its mutex serializes every operation
// touching that user; the store map mutex below is never held across a
// backend round-trip.
type entry struct {
	mu         sync.Mutex
	sess       *Session
	dirty      bool // in-memory state newer than the backend copy
	loadFailed bool // backend was unreachable when we tried to load
	lastUsed   time.Time
}

// Store caches sessions over a storage backend: load on demand, write
// through, keep serving from memory when the backend is down, and retry
// unpersisted sessions until they land.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger
	stats   *metrics.Collector
	max     int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore wraps backend with an in-memory session cache. logger and
// stats may be nil.
func NewStore(backend storage.Backend, cfg StoreConfig, logger *slog.Logger, stats *metrics.Collector) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		backend: backend,
		logger:  logger,
		stats:   stats,
		max:     cfg.MaxHistory,
		idleTTL: cfg.IdleTTL,
		now:     cfg.Now,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns a snapshot of the user's session, loading it from
// the backend on first touch. A missing, corrupt, or unreachable record
// yields a fresh session; only key validation and context errors fail.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if err := storage.ValidateKey(userID); err != nil {
		return nil, err
	}
	e := s.lockEntry(userID)
	defer e.mu.Unlock()

	if err := s.ensureLoaded(ctx, userID, e); err != nil {
		return nil, err
	}
	e.lastUsed = s.now()
	return e.sess.Clone(), nil
}

// Append records one message and writes the session through to the
// backend. On backend failure the session is kept in memory, marked for
// retry, and the caller still gets a post-append snapshot.
func (s *Store) Append(ctx context.Context, userID string, msg Message) (*Session, error) {
	if err := storage.ValidateKey(userID); err != nil {
		return nil, err
	}
	e := s.lockEntry(userID)
	defer e.mu.Unlock()

	if err := s.ensureLoaded(ctx, userID, e); err != nil {
		return nil, err
	}
	if msg.Time.IsZero() {
		msg.Time = s.now()
	}
	e.sess.Append(msg, s.max)
	e.lastUsed = s.now()

	if err := s.absorbWriteErr(userID, s.persistLocked(ctx, e)); err != nil {
		return nil, err
	}
	return e.sess.Clone(), nil
}

// Reset replaces the user's session with a fresh conversation and
// persists it immediately. The previous in-memory state is discarded
// without loading it first.
func (s *Store) Reset(ctx context.Context, userID string) (*Session, error) {
	if err := storage.ValidateKey(userID); err != nil {
		return nil, err
	}
	e := s.lockEntry(userID)
	defer e.mu.Unlock()

	e.sess = New(userID, s.now())
	e.loadFailed = false
	e.lastUsed = s.now()

	if err := s.absorbWriteErr(userID, s.persistLocked(ctx, e)); err != nil {
		return nil, err
	}
	return e.sess.Clone(), nil
}

// History returns a copy of the user's most recent limit messages,
// oldest first, without touching the session's persisted recency.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Message, error) {
	if err := storage.ValidateKey(userID); err != nil {
		return nil, err
	}
	e := s.lockEntry(userID)
	defer e.mu.Unlock()

	if err := s.ensureLoaded(ctx, userID, e); err != nil {
		return nil, err
	}
	e.lastUsed = s.now()
	return e.sess.Recent(limit), nil
}

// Users lists every user with a stored record. Backend errors pass
// through: this is an administrative call, not a chat-path one.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return keys, nil
}

// Flush persists every dirty session and reports what could not land.
// Called at shutdown so degraded-mode data survives a restart.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	users := make([]string, 0, len(s.entries))
	for u := range s.entries {
		users = append(users, u)
	}
	s.mu.Unlock()
	slices.Sort(users)

	var errs []error
	for _, u := range users {
		s.mu.Lock()
		e := s.entries[u]
		s.mu.Unlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.dirty && e.sess != nil {
			if err := s.persistLocked(ctx, e); err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", u, err))
			}
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Sweep runs the janitor until ctx is done: every interval it retries
// persisting dirty sessions and evicts clean sessions idle past the TTL.
// A non-positive interval falls back to DefaultSweepInterval.
func (s *Store) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce does a single janitor pass and returns how many sessions it
// evicted. Dirty sessions are never evicted: memory holds the only copy.
func (s *Store) sweepOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.idleTTL)

	type candidate struct {
		userID string
		e      *entry
	}
	s.mu.Lock()
	cands := make([]candidate, 0, len(s.entries))
	for u, e := range s.entries {
		cands = append(cands, candidate{u, e})
	}
	s.mu.Unlock()

	evicted := 0
	for _, c := range cands {
		if !c.e.mu.TryLock() {
			continue // busy means recently used
		}
		if c.e.dirty && c.e.sess != nil {
			if err := s.persistLocked(ctx, c.e); err != nil {
				s.logger.Debug("dirty session retry failed", "user", c.userID, "err", err)
			}
		}
		if !c.e.dirty && c.e.lastUsed.Before(cutoff) {
			s.mu.Lock()
			if s.entries[c.userID] == c.e {
				delete(s.entries, c.userID)
				evicted++
			}
			s.mu.Unlock()
		}
		c.e.mu.Unlock()
	}
	if evicted > 0 {
		s.logger.Debug("evicted idle sessions", "count", evicted)
	}
	return evicted
}

// lockEntry returns the user's cache slot with its mutex held. The map
// lookup is retried when a janitor eviction won the race between fetch
// and lock, so callers never mutate an orphaned slot.
func (s *Store) lockEntry(userID string) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[userID]
		if !ok {
			e = &entry{}
			s.entries[userID] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		s.mu.Lock()
		current := s.entries[userID]
		s.mu.Unlock()
		if current == e {
			return e
		}
		e.mu.Unlock()
	}
}

// ensureLoaded makes e.sess usable, reading the backend at most once per
// cached lifetime. After an unavailable backend the read is retried on
// later operations, but only while the session is still pristine; once
// the user has appended anything, memory wins.
func (s *Store) ensureLoaded(ctx context.Context, userID string, e *entry) error {
	if e.sess != nil {
		retry := e.loadFailed && !e.dirty && len(e.sess.Messages) == 0
		if !retry {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	data, err := s.backend.Read(ctx, userID)
	switch {
	case err == nil:
		s.stats.RecordTiming(metrics.OpStorageRead, time.Since(start))
		e.loadFailed = false
		sess, derr := decodeSession(data)
		if derr != nil {
			s.logger.Warn("corrupt session record, starting fresh", "user", userID, "err", derr)
			e.sess = New(userID, s.now())
			return nil
		}
		if sess.UserID != "" && sess.UserID != userID {
			s.logger.Warn("session record key mismatch, starting fresh",
				"user", userID, "record_user", sess.UserID)
			e.sess = New(userID, s.now())
			return nil
		}
		s.healLoaded(sess, userID)
		e.sess = sess
		return nil

	case errors.Is(err, storage.ErrNotFound):
		e.loadFailed = false
		e.sess = New(userID, s.now())
		return nil

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.stats.RecordError(metrics.OpStorageRead)
		return err

	default:
		s.stats.RecordError(metrics.OpStorageRead)
		if e.sess == nil {
			s.logger.Warn("session load failed, serving empty session", "user", userID, "err", err)
			e.sess = New(userID, s.now())
		}
		e.loadFailed = true
		return nil
	}
}

// healLoaded fills gaps in records written by older versions or by hand:
// missing ids, zero timestamps, histories above the configured bound.
func (s *Store) healLoaded(sess *Session, userID string) {
	sess.UserID = userID
	if sess.ConvID == "" {
		sess.ConvID = newConvID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	if sess.LastActive.IsZero() {
		if n := len(sess.Messages); n > 0 {
			sess.LastActive = sess.Messages[n-1].Time
		}
		if sess.LastActive.IsZero() {
			sess.LastActive = sess.CreatedAt
		}
	}
	if len(sess.Messages) > s.max {
		sess.Messages = slices.Clone(sess.Messages[len(sess.Messages)-s.max:])
	}
}

// persistLocked writes e.sess through to the backend and keeps the dirty
// flag truthful. Callers decide whether the returned error is absorbed.
// e.mu must be held.
func (s *Store) persistLocked(ctx context.Context, e *entry) error {
	data, err := encodeSession(e.sess)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := s.backend.Write(ctx, e.sess.UserID, data); err != nil {
		s.stats.RecordError(metrics.OpStorageWrite)
		e.dirty = true
		return err
	}
	s.stats.RecordTiming(metrics.OpStorageWrite, time.Since(start))
	if e.dirty {
		s.logger.Info("dirty session persisted", "user", e.sess.UserID)
	}
	e.dirty = false
	return nil
}

// absorbWriteErr turns backend availability failures into degraded-mode
// operation: the chat keeps working from memory. Context errors still
// propagate.
func (s *Store) absorbWriteErr(userID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Warn("session write failed, keeping in memory for retry", "user", userID, "err", err)
	return nil
}
