// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/session"
)

// DefaultCleanupInterval is how often the eviction pass runs.
const DefaultCleanupInterval = 1 * time.Minute

// DefaultSessionTTL evicts sessions idle longer than this.
const DefaultSessionTTL = 30 * time.Minute

// MemorySessionStore implements session.Store with an in-memory table.
// Thread-safe for concurrent access. A background cleanup goroutine
// evicts sessions idle past the TTL.
type MemorySessionStore struct {
	sessions        map[string]*session.State
	mu              sync.RWMutex
	ttl             time.Duration
	ringCapacity    int
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	once            sync.Once // Prevent double-close panic on Stop()
}

// NewSessionStore creates an in-memory session store with defaults.
func NewSessionStore() *MemorySessionStore {
	return NewSessionStoreWithConfig(DefaultSessionTTL, session.DefaultRingCapacity, DefaultCleanupInterval)
}

// NewSessionStoreWithConfig creates an in-memory session store with a
// custom idle TTL, event ring capacity and cleanup interval.
func NewSessionStoreWithConfig(ttl time.Duration, ringCapacity int, cleanupInterval time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &MemorySessionStore{
		sessions:        make(map[string]*session.State),
		ttl:             ttl,
		ringCapacity:    ringCapacity,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

// StartCleanup starts the background eviction goroutine.
// Call Stop() to stop it gracefully.
func (s *MemorySessionStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup evicts all sessions idle past the TTL.
func (s *MemorySessionStore) cleanup() {
	cutoff := time.Now().UTC().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for id, st := range s.sessions {
		if st.LastSeen().Before(cutoff) {
			delete(s.sessions, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("evicted idle sessions", "count", cleaned)
	}
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *MemorySessionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Get returns the session if it exists.
func (s *MemorySessionStore) Get(id string) (*session.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	return st, ok
}

// GetOrCreate returns the session, creating it on first reference.
func (s *MemorySessionStore) GetOrCreate(id string) *session.State {
	s.mu.RLock()
	st, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[id]; ok {
		return st
	}
	st = session.NewState(id, s.ringCapacity)
	s.sessions[id] = st
	return st
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of live sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Compile-time interface verification.
var _ session.Store = (*MemorySessionStore)(nil)
