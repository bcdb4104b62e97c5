package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Job types handled by the pipeline.
const (
	TypePlan    = "plan"
	TypeExecute = "execute"
)

// Job is an immutable unit of background work. Once dispatched it must not
// be mutated.
type Job struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MaxRetries int               `json:"max_retries"`
	Priority   int               `json:"priority"`
}

// MetaTaskID is the metadata key carrying the agent task id. When present it
// anchors the job fingerprint so the same task cannot run twice concurrently.
const MetaTaskID = "task_id"

// Fingerprint deterministically identifies the logical unit of work for
// deduplication.
func (j *Job) Fingerprint() string {
	if taskID, ok := j.Metadata[MetaTaskID]; ok && taskID != "" {
		return fmt.Sprintf("%s:%s", j.Type, taskID)
	}
	sum := sha256.Sum256(j.Payload)
	return fmt.Sprintf("%s:%s", j.Type, hex.EncodeToString(sum[:8]))
}

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// IsTerminal reports whether the job reached a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StatusInfo is the durable, advisory status record of a job.
type StatusInfo struct {
	JobID       string            `json:"job_id"`
	Type        string            `json:"type"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	Result      map[string]string `json:"result,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Result is what a handler reports back to the dispatcher.
type Result struct {
	Success     bool
	Error       string
	ShouldRetry bool
	Data        map[string]string
}

// Handler executes one job under the dispatcher's context. Ordinary
// failures are reported through Result; only cancellation is returned as an
// error (the ctx error), because the worker treats it uniquely.
type Handler interface {
	Handle(ctx context.Context, job *Job) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (Result, error) {
	return f(ctx, job)
}
