package security

import (
	"context"
	"sync"
	"time"
)

// CounterStore is the expiring per-key counter backing the rate limiter.
// Implementations must treat operations on a single key as atomic; an entry
// whose TTL has elapsed is equivalent to an absent key even before eviction.
type CounterStore interface {
	// Increment adds one to the counter at key and returns the new count.
	// The ttl applies only when the increment creates the entry.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current count and whether the key is present.
	Get(ctx context.Context, key string) (int64, bool, error)

	// SetWithTTL overwrites the counter at key with the given value and ttl.
	SetWithTTL(ctx context.Context, key string, value int64, ttl time.Duration) error
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore keeps counters in a mutex-guarded map. Expired entries
// are treated as absent on read and swept periodically to bound memory.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]counterEntry
	done    chan struct{}
	once    sync.Once
}

const defaultSweepInterval = time.Minute

func NewMemoryCounterStore() *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries: make(map[string]counterEntry),
		done:    make(chan struct{}),
	}
	go s.sweepLoop(defaultSweepInterval)
	return s
}

func (s *MemoryCounterStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || now.After(entry.expiresAt) {
		s.entries[key] = counterEntry{count: 1, expiresAt: now.Add(ttl)}
		return 1, nil
	}

	entry.count++
	s.entries[key] = entry
	return entry.count, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, bool, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return 0, false, nil
	}
	if now.After(entry.expiresAt) {
		delete(s.entries, key)
		return 0, false, nil
	}

	return entry.count, true, nil
}

func (s *MemoryCounterStore) SetWithTTL(_ context.Context, key string, value int64, ttl time.Duration) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = counterEntry{count: value, expiresAt: now.Add(ttl)}
	return nil
}

// SweepNow evicts every expired entry and returns how many were removed.
func (s *MemoryCounterStore) SweepNow() int {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			evicted++
		}
	}

	return evicted
}

// Len reports the number of live entries, counting not-yet-swept expired ones.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop terminates the background sweeper. Safe to call more than once.
func (s *MemoryCounterStore) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryCounterStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepNow()
		case <-s.done:
			return
		}
	}
}
