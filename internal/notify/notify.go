package notify

import (
	"context"
	"fmt"
	"log/slog"

	"opencopilot/internal/task"
)

// Event types emitted when a task reaches a terminal state.
const (
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
)

// Event describes one terminal task outcome.
type Event struct {
	Type   string
	Task   *task.Task
	Detail string
}

// Notifier pushes terminal task events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop is a Notifier that discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Fanout sends each event to every notifier. Individual failures are
// logged and do not stop the fanout.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{notifiers: notifiers, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, event Event) error {
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			f.logger.Warn("notification delivery failed", "event", event.Type, "error", err)
		}
	}
	return nil
}

// EventFor maps a terminal task status to its event type. Non-terminal
// statuses return "".
func EventFor(status task.Status) string {
	switch status {
	case task.StatusCompleted:
		return EventTaskCompleted
	case task.StatusFailed:
		return EventTaskFailed
	case task.StatusCancelled:
		return EventTaskCancelled
	}
	return ""
}

func renderMessage(e Event) string {
	t := e.Task
	ref := fmt.Sprintf("%s/%s#%d", t.Owner, t.Repo, t.IssueNumber)

	var msg string
	switch e.Type {
	case EventTaskCompleted:
		msg = fmt.Sprintf(":white_check_mark: Task for %s completed.", ref)
	case EventTaskFailed:
		msg = fmt.Sprintf(":x: Task for %s failed.", ref)
	case EventTaskCancelled:
		msg = fmt.Sprintf(":no_entry_sign: Task for %s was cancelled.", ref)
	default:
		msg = fmt.Sprintf("Task for %s: %s", ref, e.Type)
	}
	if e.Detail != "" {
		msg += "\n> " + e.Detail
	}
	return msg
}
