package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/geoexport/pkg/domain"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup returns the live entry for fp. Expired entries are deleted and
// reported as misses.
func (s *MemoryStore) Lookup(fp string) (Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[fp]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	if !entry.Expired(s.now()) {
		return entry, true
	}

	s.mu.Lock()
	// Re-check under the write lock; a concurrent Store may have refreshed it.
	if cur, ok := s.entries[fp]; ok && cur.Expired(s.now()) {
		delete(s.entries, fp)
	}
	s.mu.Unlock()
	return Entry{}, false
}

// Store records result under fp, replacing any previous entry.
func (s *MemoryStore) Store(fp string, result domain.ResultRef, ttl time.Duration) Entry {
	entry := Entry{
		Fingerprint: fp,
		Result:      result,
		CreatedAt:   s.now(),
		TTL:         ttl,
	}

	s.mu.Lock()
	_, replaced := s.entries[fp]
	s.entries[fp] = entry
	s.mu.Unlock()

	if replaced {
		s.logger.Debug("Cache entry replaced", "fingerprint", fp)
	}
	return entry
}

// Purge deletes every expired entry and returns how many were removed.
func (s *MemoryStore) Purge() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for fp, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including not yet purged stale ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
