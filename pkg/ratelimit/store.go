package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the state of one fixed window.
type Window struct {
	Count   int
	ResetAt time.Time
}

// Store keeps fixed windows keyed by actor. Take must be atomic per key:
// it opens a fresh window when none is live, refuses without incrementing
// when the window is full, and increments otherwise.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (allowed bool, w Window, err error)
	Release(ctx context.Context, key string, now time.Time) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		w = &Window{ResetAt: now.Add(window)}
		s.windows[key] = w
	}

	if w.Count >= limit {
		return false, *w, nil
	}

	w.Count++

	return true, *w, nil
}

func (s *MemoryStore) Release(_ context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[key]; ok && now.Before(w.ResetAt) && w.Count > 0 {
		w.Count--
	}

	return nil
}

// Sweep drops expired windows and returns how many were removed.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for key, w := range s.windows {
		if !now.Before(w.ResetAt) {
			delete(s.windows, key)

			removed++
		}
	}

	return removed, nil
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.windows)
}
