// Package memory provides in-memory implementations of the storage
// interfaces. It is suitable for tests and single-instance deployments; the
// shared-store guarantees only hold across goroutines, not processes.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canopyauth/account-session/storage"
)

// sharedEntry is a stored value with an optional expiry.
type sharedEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Store is an in-memory implementation of storage.SharedStore and
// storage.UserRecordStore. Expired shared entries are dropped lazily on read
// and swept periodically by a background goroutine.
type Store struct {
	mu sync.RWMutex

	shared  map[string]sharedEntry
	records map[string]map[string]any // userID -> attribute name -> value

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.SharedStore     = (*Store)(nil)
	_ storage.UserRecordStore = (*Store)(nil)
)

// New creates an in-memory store with the default sweep interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store that sweeps expired shared
// entries at the given interval. A non-positive interval disables sweeping;
// expired entries are then only dropped on read.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		shared:        make(map[string]sharedEntry),
		records:       make(map[string]map[string]any),
		sweepInterval: interval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
	}

	if interval > 0 {
		go s.sweepLoop()
	}

	return s
}

// SetLogger replaces the logger used for sweep reporting.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
}

// Get retrieves the value for a key, reporting false for absent or expired
// entries.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	entry, ok := s.shared[key]
	s.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; the entry may have been replaced.
		if current, still := s.shared[key]; still && current == entry {
			delete(s.shared, key)
		}
		s.mu.Unlock()
		return "", false, nil
	}

	return entry.value, true, nil
}

// Set stores a value under a key. A zero ttl means no expiry.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	entry := sharedEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.shared[key] = entry
	s.mu.Unlock()

	return nil
}

// Delete removes a key. Absent keys are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.shared, key)
	s.mu.Unlock()

	return nil
}

// GetAttributes returns the stored attribute values for the requested names.
func (s *Store) GetAttributes(_ context.Context, userID string, names []string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[userID]
	if !ok {
		return map[string]any{}, nil
	}

	values := make(map[string]any, len(names))
	for _, name := range names {
		if v, present := record[name]; present {
			values[name] = v
		}
	}
	return values, nil
}

// SetAttributes stores attribute values for a user.
func (s *Store) SetAttributes(_ context.Context, userID string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[userID]
	if !ok {
		record = make(map[string]any, len(values))
		s.records[userID] = record
	}
	for name, value := range values {
		record[name] = value
	}

	return nil
}

// sweepLoop periodically removes expired shared entries so that short-lived
// keys (replay markers) do not accumulate.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// sweep removes all expired shared entries.
func (s *Store) sweep() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for key, entry := range s.shared {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.shared, key)
			removed++
		}
	}
	remaining := len(s.shared)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("swept expired shared entries",
			"removed", removed,
			"remaining", remaining)
	}
}
