// Package sessions holds live calls in memory, keyed by call id.
//
// Every mutation happens under a per-call lock obtained with Acquire, so
// redelivered webhooks for the same call are serialized. Sweep evicts
// idle and finished calls without ever touching a call whose lock is
// held.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when the per-call lock was not obtained
	// in time.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

	// ErrSessionNotFound is returned for unknown or evicted calls.
	ErrSessionNotFound = errors.New("sessions: session not found")

	// ErrSessionExists is returned by Create for a known call id.
	ErrSessionExists = errors.New("sessions: session already exists")
)

// Config tunes a Store.
type Config struct {
	// TTL evicts sessions idle for longer.
	TTL time.Duration
	// TerminatedGrace keeps finished calls around for redelivered events.
	TerminatedGrace time.Duration
	LockTimeout     time.Duration
}

type entry struct {
	// sem is a one-slot semaphore; holding the slot is holding the lock.
	sem      chan struct{}
	session  *Session
	snapshot Session
	evicted  bool
}

func (e *entry) tryLock() bool {
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) unlock() { <-e.sem }

// Store is safe for concurrent use.
type Store struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	onEvict func(Session)
	nowFunc func() time.Time
}

// NewStore creates a Store.
func NewStore(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.TerminatedGrace <= 0 {
		cfg.TerminatedGrace = 2 * time.Minute
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 20 * time.Second
	}
	return &Store{
		cfg:     cfg,
		entries: make(map[string]*entry),
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom clock for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	s.nowFunc = fn
	s.mu.Unlock()
}

// OnEvict registers a hook called with each evicted session, outside any
// lock.
func (s *Store) OnEvict(fn func(Session)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

func (s *Store) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFunc()
}

// Lease is exclusive access to one session until Release.
type Lease struct {
	store    *Store
	entry    *entry
	released bool
}

// Session returns the session to mutate.
func (l *Lease) Session() *Session { return l.entry.session }

// Release stamps UpdatedAt, publishes a snapshot for readers and frees the
// lock. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	now := l.store.now()
	l.entry.session.UpdatedAt = now

	l.store.mu.Lock()
	l.entry.snapshot = l.entry.session.Clone()
	l.store.mu.Unlock()
	l.entry.unlock()
}

// Create inserts a new session and returns it already leased.
func (s *Store) Create(ctx context.Context, session *Session) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.UpdatedAt = now

	e := &entry{sem: make(chan struct{}, 1), session: session}
	e.sem <- struct{}{}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[session.CallID]; ok {
		return nil, ErrSessionExists
	}
	e.snapshot = session.Clone()
	s.entries[session.CallID] = e
	return &Lease{store: s, entry: e}, nil
}

// Acquire waits for the lock on callID, bounded by ctx and LockTimeout.
func (s *Store) Acquire(ctx context.Context, callID string) (*Lease, error) {
	s.mu.Lock()
	e, ok := s.entries[callID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	timer := time.NewTimer(s.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	evicted := e.evicted
	s.mu.Unlock()
	if evicted {
		e.unlock()
		return nil, ErrSessionNotFound
	}
	return &Lease{store: s, entry: e}, nil
}

// Get returns a copy of the session as of its last Release.
func (s *Store) Get(callID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[callID]
	if !ok {
		return Session{}, false
	}
	return e.snapshot.Clone(), true
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns copies of all sessions, oldest call first.
func (s *Store) Snapshot() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Sweep evicts sessions idle past TTL and terminated sessions past the
// grace period. Sessions whose lock is held are skipped. It returns the
// number evicted.
func (s *Store) Sweep(now time.Time) int {
	var evicted []Session

	s.mu.Lock()
	for id, e := range s.entries {
		if !e.tryLock() {
			continue
		}
		sess := e.session
		expired := now.Sub(sess.UpdatedAt) >= s.cfg.TTL
		if sess.Terminated() && now.Sub(sess.EndedAt) >= s.cfg.TerminatedGrace {
			expired = true
		}
		if expired {
			e.evicted = true
			delete(s.entries, id)
			evicted = append(evicted, sess.Clone())
		}
		e.unlock()
	}
	hook := s.onEvict
	s.mu.Unlock()

	if hook != nil {
		for _, sess := range evicted {
			hook(sess)
		}
	}
	return len(evicted)
}
