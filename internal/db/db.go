package db

import (
	"context"
	"errors"

	"opencopilot/internal/jobs"
	"opencopilot/internal/task"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// statusBackend is the SQL-level surface behind the job status view. The
// SQL stores expose GetStatus to avoid clashing with TaskStore.Get.
type statusBackend interface {
	Set(ctx context.Context, info jobs.StatusInfo) error
	GetStatus(ctx context.Context, jobID string) (jobs.StatusInfo, error)
}

// NewJobStatusStore adapts a SQL store to jobs.StatusStore.
func NewJobStatusStore(b statusBackend) jobs.StatusStore {
	return jobStatusView{b}
}

type jobStatusView struct{ b statusBackend }

func (v jobStatusView) Set(ctx context.Context, info jobs.StatusInfo) error {
	return v.b.Set(ctx, info)
}

func (v jobStatusView) Get(ctx context.Context, jobID string) (jobs.StatusInfo, error) {
	return v.b.GetStatus(ctx, jobID)
}

// TaskStore persists agent tasks and their embedded plans. Update is
// last-writer-wins; the dispatcher serializes mutations per task id through
// the dedup service, so no optimistic concurrency is required.
type TaskStore interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, t *task.Task) error
	ListByInstallation(ctx context.Context, installationID int64) ([]*task.Task, error)
}
