package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scope tracks the artifacts written while handling one turn. Release
// deletes everything that was not promoted with Keep, so callers defer it
// right after creating the scope.
type Scope struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	keys     []string
	kept     map[string]bool
	released bool
}

// NewScope opens a scope over store.
func NewScope(store Store, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{store: store, logger: logger, kept: map[string]bool{}}
}

// Put stores data and records key for release.
func (s *Scope) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url, err := s.store.Put(ctx, key, data, contentType)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	return url, nil
}

// Keep promotes key so Release leaves it in place; its lifetime then
// belongs to the call session.
func (s *Scope) Keep(key string) {
	s.mu.Lock()
	s.kept[key] = true
	s.mu.Unlock()
}

// Kept returns promoted keys in insertion order.
func (s *Scope) Kept() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, k := range s.keys {
		if s.kept[k] {
			out = append(out, k)
		}
	}
	return out
}

// Release deletes every key that was not kept. It runs even when ctx is
// already done, so a turn that hit its deadline still cleans up.
func (s *Scope) Release(ctx context.Context) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	var drop []string
	for _, k := range s.keys {
		if !s.kept[k] {
			drop = append(drop, k)
		}
	}
	s.mu.Unlock()

	if len(drop) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, k := range drop {
		if err := s.store.Delete(cleanupCtx, k); err != nil {
			s.logger.WarnContext(ctx, "media cleanup failed", "key", k, "error", err)
		}
	}
}
