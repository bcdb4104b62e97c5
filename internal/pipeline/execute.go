package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"opencopilot/internal/audit"
	"opencopilot/internal/clock"
	"opencopilot/internal/db"
	"opencopilot/internal/forge"
	"opencopilot/internal/jobs"
	"opencopilot/internal/metrics"
	"opencopilot/internal/task"
	"opencopilot/internal/telemetry"
)

// cleanupTimeout bounds the detached sandbox teardown after a job ends.
const cleanupTimeout = 30 * time.Second

// maxFixRounds bounds the Checker fix/recheck loop so a model that keeps
// producing broken fixes cannot spin the job forever.
const maxFixRounds = 2

// Checker verifies the sandbox worktree after all plan steps have been
// applied. A non-ok result carries a report describing what to fix.
type Checker interface {
	Check(ctx context.Context, containerID string) (ok bool, report string, err error)
}

// ExecuteHandler runs a planned task inside a sandbox container: applies
// each step, commits and pushes the result, and finalizes the PR.
type ExecuteHandler struct {
	tasks    db.TaskStore
	forge    forge.Client
	tokens   forge.TokenProvider
	sandbox  Sandbox
	editor   FileEditor
	reporter *Reporter
	analyzer *RepoAnalyzer
	audit    audit.Store
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Checker, when set, gates completion on a post-execution verification
	// with a bounded fix loop. Nil skips verification.
	Checker Checker
}

func NewExecuteHandler(
	tasks db.TaskStore,
	fc forge.Client,
	tokens forge.TokenProvider,
	sb Sandbox,
	editor FileEditor,
	reporter *Reporter,
	analyzer *RepoAnalyzer,
	auditStore audit.Store,
	c clock.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ExecuteHandler {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecuteHandler{
		tasks:    tasks,
		forge:    fc,
		tokens:   tokens,
		sandbox:  sb,
		editor:   editor,
		reporter: reporter,
		analyzer: analyzer,
		audit:    auditStore,
		clock:    c,
		logger:   logger,
		metrics:  m,
	}
}

func (h *ExecuteHandler) Handle(ctx context.Context, job *jobs.Job) (jobs.Result, error) {
	var p ExecutePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Result{Error: "invalid execute payload: " + err.Error(), ShouldRetry: true}, nil
	}
	logger := telemetry.TaskLogger(h.logger, p.TaskID)

	t, err := h.tasks.Get(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return jobs.Result{Error: fmt.Sprintf("task %s not found", p.TaskID)}, nil
		}
		return h.fail(ctx, nil, err, true)
	}
	if t.Plan == nil {
		h.markFailed(ctx, t, "task has no plan to execute")
		return jobs.Result{Error: fmt.Sprintf("task %s has no plan to execute", t.ID)}, nil
	}

	// A retried attempt may find the task already Executing; that is not a
	// regression, so only transition from Planned.
	if t.Status == task.StatusPlanned {
		if err := h.transition(ctx, t, task.StatusExecuting); err != nil {
			return h.fail(ctx, t, err, false)
		}
	} else if t.Status != task.StatusExecuting {
		return h.fail(ctx, t, fmt.Errorf("task %s is %s, expected Planned or Executing", t.ID, t.Status), false)
	}

	token, err := h.tokens.InstallationToken(ctx, t.InstallationID)
	if err != nil {
		return h.fail(ctx, t, err, true)
	}

	branch := forge.BranchName(t.IssueNumber)
	imageType := h.analyzer.DetectImageType(ctx, t.Owner, t.Repo)

	containerID, err := h.sandbox.Create(ctx, t.Owner, t.Repo, token, branch, imageType)
	if err != nil {
		return h.fail(ctx, t, err, true)
	}
	defer func() {
		// Teardown must survive job cancellation and timeout.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := h.sandbox.Cleanup(cctx, containerID); err != nil {
			logger.Warn("sandbox cleanup failed", "container_id", containerID, "error", err)
		}
	}()

	prNumber := 0
	if pr, err := h.forge.GetPullRequestNumberForBranch(ctx, t.Owner, t.Repo, branch); err == nil {
		prNumber = pr
	} else if !errors.Is(err, forge.ErrNotFound) {
		logger.Warn("could not resolve pull request for branch", "branch", branch, "error", err)
	}

	if res, err := h.runSteps(ctx, t, containerID, prNumber, logger); err != nil || !res.Success {
		return res, err
	}

	if h.Checker != nil {
		if res, err := h.runChecks(ctx, t, containerID, logger); err != nil || !res.Success {
			return res, err
		}
	}

	if res, err := h.commitWork(ctx, t, containerID, branch, token, logger); err != nil || !res.Success {
		return res, err
	}

	if prNumber > 0 {
		if err := h.reporter.FinalizePullRequest(ctx, t, prNumber); err != nil {
			return h.fail(ctx, t, err, true)
		}
	}

	if err := h.transition(ctx, t, task.StatusCompleted); err != nil {
		return h.fail(ctx, t, err, false)
	}
	logger.Info("task completed", "steps", len(t.Plan.Steps), "pr", prNumber)

	return jobs.Result{
		Success: true,
		Data: map[string]string{
			"branch":       branch,
			"pull_request": fmt.Sprintf("%d", prNumber),
		},
	}, nil
}

// runSteps applies every not-yet-done plan step, persisting progress after
// each so a retried job resumes where the previous attempt stopped.
func (h *ExecuteHandler) runSteps(ctx context.Context, t *task.Task, containerID string, prNumber int, logger *slog.Logger) (jobs.Result, error) {
	ec := EditContext{
		Task:           t,
		ProblemSummary: t.Plan.ProblemSummary,
		Constraints:    t.Plan.Constraints,
	}
	for i := range t.Plan.Steps {
		step := &t.Plan.Steps[i]
		if step.Done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return h.fail(ctx, t, err, false)
		}

		if err := h.editor.Apply(ctx, containerID, *step, ec); err != nil {
			if h.metrics != nil {
				h.metrics.StepsExecuted.WithLabelValues("failure").Inc()
			}
			return h.fail(ctx, t, fmt.Errorf("step %s failed: %w", step.ID, err), true)
		}
		step.Done = true
		t.UpdatedAt = h.clock.Now()
		if err := h.tasks.Update(ctx, t); err != nil {
			return h.fail(ctx, t, err, true)
		}
		if h.metrics != nil {
			h.metrics.StepsExecuted.WithLabelValues("success").Inc()
		}
		recordAudit(ctx, h.audit, logger, audit.Entry{
			EventType:     audit.EventStepExecuted,
			CorrelationID: t.ID,
			Target:        step.ID,
			Description:   step.Title,
			Result:        audit.ResultSuccess,
		})

		if prNumber > 0 {
			if err := h.reporter.ReportProgress(ctx, t, prNumber); err != nil {
				logger.Warn("failed to update progress comment", "error", err)
			}
		}
		logger.Info("plan step applied", "step", step.ID, "title", step.Title)
	}
	return jobs.Result{Success: true}, nil
}

// runChecks verifies the worktree and, on findings, feeds the report back
// through the editor as a synthetic fix step, at most maxFixRounds times.
func (h *ExecuteHandler) runChecks(ctx context.Context, t *task.Task, containerID string, logger *slog.Logger) (jobs.Result, error) {
	ok, report, err := h.Checker.Check(ctx, containerID)
	if err != nil {
		return h.fail(ctx, t, fmt.Errorf("verification failed to run: %w", err), true)
	}
	for round := 1; !ok && round <= maxFixRounds; round++ {
		logger.Info("verification found problems, attempting fix", "round", round)
		fix := task.Step{
			ID:      fmt.Sprintf("fix-%d", round),
			Title:   "Address verification findings",
			Details: report,
		}
		ec := EditContext{Task: t, ProblemSummary: t.Plan.ProblemSummary, Constraints: t.Plan.Constraints}
		if err := h.editor.Apply(ctx, containerID, fix, ec); err != nil {
			return h.fail(ctx, t, fmt.Errorf("fix round %d failed: %w", round, err), true)
		}
		ok, report, err = h.Checker.Check(ctx, containerID)
		if err != nil {
			return h.fail(ctx, t, fmt.Errorf("verification failed to run: %w", err), true)
		}
	}
	if !ok {
		return h.fail(ctx, t, fmt.Errorf("verification still failing after %d fix rounds: %s", maxFixRounds, report), true)
	}
	return jobs.Result{Success: true}, nil
}

// commitWork commits and pushes any changes the steps produced. A clean
// worktree is not an error; some steps legitimately produce no diff.
func (h *ExecuteHandler) commitWork(ctx context.Context, t *task.Task, containerID, branch, token string, logger *slog.Logger) (jobs.Result, error) {
	res, err := h.sandbox.Execute(ctx, containerID, "git", "status", "--porcelain")
	if err != nil {
		return h.fail(ctx, t, err, true)
	}
	if res.ExitCode != 0 {
		return h.fail(ctx, t, fmt.Errorf("git status failed (exit %d): %s", res.ExitCode, res.Stderr), true)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		logger.Info("worktree clean, nothing to push")
		return jobs.Result{Success: true}, nil
	}

	message := fmt.Sprintf("Apply plan for issue #%d\n\n%s", t.IssueNumber, t.Plan.ProblemSummary)
	if err := h.sandbox.CommitAndPush(ctx, containerID, message, t.Owner, t.Repo, branch, token); err != nil {
		return h.fail(ctx, t, err, true)
	}
	recordAudit(ctx, h.audit, logger, audit.Entry{
		EventType:     audit.EventCommitPushed,
		CorrelationID: t.ID,
		Target:        branch,
		Description:   fmt.Sprintf("pushed changes for issue #%d", t.IssueNumber),
		Result:        audit.ResultSuccess,
	})
	return jobs.Result{Success: true}, nil
}

func (h *ExecuteHandler) transition(ctx context.Context, t *task.Task, next task.Status) error {
	prev := t.Status
	if err := t.Transition(next, h.clock.Now()); err != nil {
		return err
	}
	if err := h.tasks.Update(ctx, t); err != nil {
		return err
	}
	recordAudit(ctx, h.audit, h.logger, audit.Entry{
		EventType:     audit.EventTaskTransition,
		CorrelationID: t.ID,
		Description:   fmt.Sprintf("%s -> %s", prev, next),
		Result:        audit.ResultSuccess,
	})
	return nil
}

// markFailed persists a terminal Failed status for non-retryable defects.
func (h *ExecuteHandler) markFailed(ctx context.Context, t *task.Task, cause string) {
	t.LastError = cause
	if err := t.Transition(task.StatusFailed, h.clock.Now()); err != nil {
		return
	}
	if err := h.tasks.Update(context.WithoutCancel(ctx), t); err != nil {
		h.logger.Warn("failed to persist task failure", "task_id", t.ID, "error", err)
	}
}

// fail mirrors the plan handler's classification: cancellation propagates
// as the ctx error after the task is cancelled, everything else becomes a
// Result with the error recorded on the task.
func (h *ExecuteHandler) fail(ctx context.Context, t *task.Task, err error, retry bool) (jobs.Result, error) {
	if isCancellation(ctx, err) {
		h.cancelTask(t)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return jobs.Result{}, ctxErr
		}
		return jobs.Result{}, err
	}
	if t != nil {
		t.LastError = err.Error()
		t.UpdatedAt = h.clock.Now()
		if updateErr := h.tasks.Update(context.WithoutCancel(ctx), t); updateErr != nil {
			h.logger.Warn("failed to record task error", "task_id", t.ID, "error", updateErr)
		}
	}
	return jobs.Result{Error: err.Error(), ShouldRetry: retry}, nil
}

func (h *ExecuteHandler) cancelTask(t *task.Task) {
	if t == nil || t.Status.IsTerminal() {
		return
	}
	if err := t.Transition(task.StatusCancelled, h.clock.Now()); err != nil {
		return
	}
	if err := h.tasks.Update(context.Background(), t); err != nil {
		h.logger.Warn("failed to persist task cancellation", "task_id", t.ID, "error", err)
	}
}
