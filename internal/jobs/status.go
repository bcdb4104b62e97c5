package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrStatusNotFound is returned by Get for unknown job ids.
var ErrStatusNotFound = errors.New("job status not found")

// StatusStore persists per-job status records. Writes are advisory for
// observability; job correctness does not depend on their durability.
type StatusStore interface {
	// Set upserts the record. CreatedAt of an existing record is preserved.
	Set(ctx context.Context, info StatusInfo) error
	Get(ctx context.Context, jobID string) (StatusInfo, error)
}

// MemoryStatusStore keeps job status in memory for the process lifetime.
type MemoryStatusStore struct {
	mu      sync.RWMutex
	records map[string]StatusInfo
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: make(map[string]StatusInfo)}
}

func (s *MemoryStatusStore) Set(_ context.Context, info StatusInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[info.JobID]; ok {
		info.CreatedAt = prev.CreatedAt
	}
	s.records[info.JobID] = info
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, jobID string) (StatusInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.records[jobID]
	if !ok {
		return StatusInfo{}, ErrStatusNotFound
	}
	return info, nil
}
