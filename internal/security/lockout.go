package security

import (
	"sync"
	"time"
)

// LockoutPolicy is the immutable brute-force policy for one tracker.
type LockoutPolicy struct {
	Threshold    int
	LockDuration time.Duration
}

const (
	defaultLockoutThreshold = 5
	defaultLockDuration     = 15 * time.Minute
)

// LockState reports whether an identifier is currently locked out.
type LockState struct {
	Locked      bool
	LockedUntil time.Time
}

type lockoutRecord struct {
	failedAttempts int
	lockedUntil    time.Time
	updatedAt      time.Time
}

// LockoutTracker counts failed authentication attempts per normalized
// identifier and locks the identifier once the threshold is crossed.
// Identifiers without a matching account are tracked identically, so lockout
// behavior leaks nothing about account existence.
type LockoutTracker struct {
	mu      sync.Mutex
	policy  LockoutPolicy
	records map[string]lockoutRecord
}

func NewLockoutTracker(policy LockoutPolicy) *LockoutTracker {
	if policy.Threshold <= 0 {
		policy.Threshold = defaultLockoutThreshold
	}
	if policy.LockDuration <= 0 {
		policy.LockDuration = defaultLockDuration
	}

	return &LockoutTracker{
		policy:  policy,
		records: make(map[string]lockoutRecord),
	}
}

// IsLocked reports the current lock state without mutating the record.
func (t *LockoutTracker) IsLocked(identifier string) LockState {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[identifier]
	if !ok || now.After(record.lockedUntil) {
		return LockState{}
	}

	return LockState{Locked: true, LockedUntil: record.lockedUntil}
}

// RecordFailure counts one failed attempt. Crossing the threshold locks the
// identifier; a failure while already locked re-triggers the full lock
// duration instead of being ignored.
func (t *LockoutTracker) RecordFailure(identifier string) LockState {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.records[identifier]
	record.failedAttempts++
	record.updatedAt = now

	alreadyLocked := record.lockedUntil.After(now)
	if alreadyLocked || record.failedAttempts >= t.policy.Threshold {
		record.lockedUntil = now.Add(t.policy.LockDuration)
	}

	t.records[identifier] = record

	if record.lockedUntil.After(now) {
		return LockState{Locked: true, LockedUntil: record.lockedUntil}
	}
	return LockState{}
}

// Clear removes the record entirely. Called after successful authentication.
func (t *LockoutTracker) Clear(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, identifier)
}

// FailureCount returns the live attempt counter for an identifier.
func (t *LockoutTracker) FailureCount(identifier string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[identifier].failedAttempts
}

// SweepStale evicts records that are unlocked and untouched for longer than
// retention, bounding memory growth from one-off failed identifiers.
func (t *LockoutTracker) SweepStale(retention time.Duration) int {
	now := time.Now().UTC()
	cutoff := now.Add(-retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for identifier, record := range t.records {
		if record.lockedUntil.After(now) {
			continue
		}
		if record.updatedAt.Before(cutoff) {
			delete(t.records, identifier)
			evicted++
		}
	}

	return evicted
}
