package pipeline

import (
	"context"
	"log/slog"

	"opencopilot/internal/audit"
	"opencopilot/internal/jobs"
	"opencopilot/internal/sandbox"
	"opencopilot/internal/task"
)

// Sandbox is the container-manager surface the Execute handler uses.
// *sandbox.Manager satisfies it.
type Sandbox interface {
	Create(ctx context.Context, owner, repo, token, branch string, imageType sandbox.ImageType) (string, error)
	Execute(ctx context.Context, containerID, program string, argv ...string) (sandbox.ExecResult, error)
	ReadFile(ctx context.Context, containerID, relPath string) (string, error)
	WriteFile(ctx context.Context, containerID, relPath, content string) error
	CommitAndPush(ctx context.Context, containerID, message, owner, repo, branch, token string) error
	Cleanup(ctx context.Context, containerID string) error
}

// JobDispatcher is the admission surface handlers use to chain jobs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job *jobs.Job) bool
}

// FileEditor applies one plan step's code changes inside the sandbox.
type FileEditor interface {
	Apply(ctx context.Context, containerID string, step task.Step, ec EditContext) error
}

// EditContext carries what the editor may consult while applying a step.
type EditContext struct {
	Task           *task.Task
	ProblemSummary string
	Constraints    []string
}

// recordAudit stores an audit entry best-effort; the pipeline never fails a
// job over observability.
func recordAudit(ctx context.Context, store audit.Store, logger *slog.Logger, entry audit.Entry) {
	if store == nil {
		return
	}
	if err := store.Store(ctx, entry); err != nil {
		logger.Warn("failed to store audit entry", "event_type", entry.EventType, "error", err)
	}
}
