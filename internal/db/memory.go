package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"opencopilot/internal/task"
)

// MemoryTaskStore keeps tasks in memory for the process lifetime. It shares
// semantics with the SQL stores exactly; only they survive restart.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string][]byte
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string][]byte)}
}

func (s *MemoryTaskStore) Create(_ context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = data
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	data, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MemoryTaskStore) Update(_ context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; !exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	s.tasks[t.ID] = data
	return nil
}

func (s *MemoryTaskStore) ListByInstallation(_ context.Context, installationID int64) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*task.Task
	for _, data := range s.tasks {
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		if t.InstallationID == installationID {
			out = append(out, &t)
		}
	}
	return out, nil
}
