package audit

import (
	"context"
	"time"
)

// EventType classifies audit events.
type EventType string

const (
	EventWebhookReceived EventType = "WebhookReceived"
	EventJobDispatched   EventType = "JobDispatched"
	EventJobCompleted    EventType = "JobCompleted"
	EventPlanGeneration  EventType = "PlanGeneration"
	EventStepExecuted    EventType = "StepExecuted"
	EventTaskTransition  EventType = "TaskTransition"
	EventSandboxCreated  EventType = "SandboxCreated"
	EventSandboxCleanup  EventType = "SandboxCleanup"
	EventCommitPushed    EventType = "CommitPushed"
	EventPullRequest     EventType = "PullRequest"
)

// Result tags for audit entries.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Entry is an immutable record of a significant runtime occurrence.
type Entry struct {
	ID            string            `json:"id"`
	EventType     EventType         `json:"event_type"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Initiator     string            `json:"initiator,omitempty"`
	Target        string            `json:"target,omitempty"`
	Description   string            `json:"description,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Result        string            `json:"result,omitempty"`
	DurationMS    int64             `json:"duration_ms,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Query limits. Callers asking for more than HardLimit get HardLimit.
const (
	DefaultLimit = 100
	HardLimit    = 1000
)

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	EventType     EventType
	CorrelationID string
	Start         time.Time
	End           time.Time
	Limit         int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > HardLimit:
		return HardLimit
	}
	return f.Limit
}

// Matches reports whether e passes the filter (limit excluded).
func (f Filter) Matches(e Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Store is the append-only audit log. Entries are removed only by retention.
type Store interface {
	// Store appends one entry.
	Store(ctx context.Context, entry Entry) error
	// Query returns matching entries ordered by timestamp descending.
	Query(ctx context.Context, filter Filter) ([]Entry, error)
	// DeleteOlderThan removes entries with timestamp < now-retention and
	// returns how many were removed. Zero retention deletes everything.
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int, error)
}
