package jobs

import (
	"sync"
	"time"

	"opencopilot/internal/clock"
)

// Deduplicator maps a job fingerprint to an in-flight job id with a TTL,
// guaranteeing single-flight per logical unit of work.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	clock   clock.Clock
}

type dedupEntry struct {
	jobID     string
	expiresAt time.Time
}

// NewDeduplicator creates an empty registry.
func NewDeduplicator(c clock.Clock) *Deduplicator {
	if c == nil {
		c = clock.System{}
	}
	return &Deduplicator{
		entries: make(map[string]dedupEntry),
		clock:   c,
	}
}

// TryRegister claims the fingerprint for jobID. It returns false when a
// live entry already exists with a different job id. Re-registering the same
// job id refreshes the TTL. Expired entries are replaceable.
func (d *Deduplicator) TryRegister(fingerprint, jobID string, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if e, ok := d.entries[fingerprint]; ok && e.expiresAt.After(now) && e.jobID != jobID {
		return false
	}
	d.entries[fingerprint] = dedupEntry{jobID: jobID, expiresAt: now.Add(ttl)}
	return true
}

// Release frees the fingerprint.
func (d *Deduplicator) Release(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, fingerprint)
}

// GetActive returns the job id currently holding the fingerprint, if any.
func (d *Deduplicator) GetActive(fingerprint string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[fingerprint]
	if !ok || !e.expiresAt.After(d.clock.Now()) {
		return "", false
	}
	return e.jobID, true
}
