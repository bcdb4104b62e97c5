package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"opencopilot/internal/agent"
	"opencopilot/internal/audit"
	"opencopilot/internal/clock"
	"opencopilot/internal/db"
	"opencopilot/internal/forge"
	"opencopilot/internal/jobs"
	"opencopilot/internal/task"
	"opencopilot/internal/telemetry"
)

// PlanHandler turns an issue into a working branch, a draft PR and a
// persisted plan, then chains an Execute job.
type PlanHandler struct {
	tasks        db.TaskStore
	forge        forge.Client
	planner      *agent.Planner
	analyzer     *RepoAnalyzer
	instructions *InstructionsLoader
	dispatcher   JobDispatcher
	audit        audit.Store
	clock        clock.Clock
	logger       *slog.Logger
}

func NewPlanHandler(
	tasks db.TaskStore,
	fc forge.Client,
	planner *agent.Planner,
	analyzer *RepoAnalyzer,
	instructions *InstructionsLoader,
	dispatcher JobDispatcher,
	auditStore audit.Store,
	c clock.Clock,
	logger *slog.Logger,
) *PlanHandler {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanHandler{
		tasks:        tasks,
		forge:        fc,
		planner:      planner,
		analyzer:     analyzer,
		instructions: instructions,
		dispatcher:   dispatcher,
		audit:        auditStore,
		clock:        c,
		logger:       logger,
	}
}

func (h *PlanHandler) Handle(ctx context.Context, job *jobs.Job) (jobs.Result, error) {
	var p PlanPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Result{Error: "invalid plan payload: " + err.Error(), ShouldRetry: true}, nil
	}
	logger := telemetry.TaskLogger(h.logger, p.TaskID)

	branch, err := h.forge.CreateWorkingBranch(ctx, p.Owner, p.Repo, p.IssueNumber)
	if err != nil {
		return h.fail(ctx, nil, err, true)
	}
	logger.Info("working branch ready", "branch", branch)

	prNumber, err := h.ensureDraftPR(ctx, p, branch)
	if err != nil {
		return h.fail(ctx, nil, err, true)
	}
	logger.Info("draft pull request ready", "pr", prNumber)

	// Best-effort context gathering; planning proceeds without either.
	summary, err := h.analyzer.Analyze(ctx, p.Owner, p.Repo)
	if err != nil {
		if ctx.Err() != nil {
			return h.fail(ctx, nil, ctx.Err(), false)
		}
		logger.Warn("repository analysis failed, planning without summary", "error", err)
		summary = ""
	}
	instructions, err := h.instructions.Load(ctx, p.Owner, p.Repo, p.IssueNumber)
	if err != nil {
		return h.fail(ctx, nil, err, false)
	}

	t, err := h.tasks.Get(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return jobs.Result{Error: fmt.Sprintf("task %s not found", p.TaskID)}, nil
		}
		return h.fail(ctx, nil, err, true)
	}

	if err := h.transition(ctx, t, task.StatusPlanning); err != nil {
		return h.fail(ctx, t, err, false)
	}

	plan, err := h.planner.CreatePlan(ctx, agent.PlanContext{
		Owner:             p.Owner,
		Repo:              p.Repo,
		IssueNumber:       p.IssueNumber,
		IssueTitle:        p.IssueTitle,
		IssueBody:         p.IssueBody,
		RepositorySummary: summary,
		Instructions:      instructions,
	})
	if err != nil {
		return h.fail(ctx, t, err, true)
	}
	recordAudit(ctx, h.audit, logger, audit.Entry{
		EventType:     audit.EventPlanGeneration,
		CorrelationID: t.ID,
		Initiator:     "planner",
		Target:        fmt.Sprintf("%s/%s#%d", p.Owner, p.Repo, p.IssueNumber),
		Description:   fmt.Sprintf("plan with %d steps generated", len(plan.Steps)),
		Result:        audit.ResultSuccess,
	})

	t.Plan = plan
	if err := h.transition(ctx, t, task.StatusPlanned); err != nil {
		return h.fail(ctx, t, err, false)
	}

	title := WIPPrefix + p.IssueTitle
	if err := h.forge.UpdatePullRequestDescription(ctx, p.Owner, p.Repo, prNumber, title, RenderPlanMarkdown(plan)); err != nil {
		return h.fail(ctx, t, err, true)
	}

	execJob, err := NewExecuteJob(t.ID)
	if err != nil {
		return h.fail(ctx, t, err, false)
	}
	if !h.dispatcher.Dispatch(ctx, execJob) {
		// A live Execute job for this task already exists; it will pick
		// up the freshly persisted plan.
		logger.Warn("execute job not accepted", "task_id", t.ID)
	}

	return jobs.Result{
		Success: true,
		Data: map[string]string{
			"branch":       branch,
			"pull_request": fmt.Sprintf("%d", prNumber),
		},
	}, nil
}

// ensureDraftPR creates the draft PR, falling back to an existing PR for
// the branch so a retried job does not fail on the duplicate.
func (h *PlanHandler) ensureDraftPR(ctx context.Context, p PlanPayload, branch string) (int, error) {
	prNumber, err := h.forge.CreateDraftPullRequest(ctx, p.Owner, p.Repo, branch, p.IssueNumber, p.IssueTitle, p.IssueBody)
	if err == nil {
		return prNumber, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if existing, lookupErr := h.forge.GetPullRequestNumberForBranch(ctx, p.Owner, p.Repo, branch); lookupErr == nil {
		return existing, nil
	}
	return 0, err
}

// transition moves the task and persists it, with an audit trace.
func (h *PlanHandler) transition(ctx context.Context, t *task.Task, next task.Status) error {
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

// fail classifies an error. Cancellation is returned as the ctx error so
// the worker records Cancelled; the task is cancelled first. Everything
// else becomes a Result.
func (h *PlanHandler) fail(ctx context.Context, t *task.Task, err error, retry bool) (jobs.Result, error) {
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

// cancelTask persists a Cancelled status for a non-terminal task.
func (h *PlanHandler) cancelTask(t *task.Task) {
	if t == nil || t.Status.IsTerminal() {
		return
	}
	ctx := context.Background()
	if err := t.Transition(task.StatusCancelled, h.clock.Now()); err != nil {
		return
	}
	if err := h.tasks.Update(ctx, t); err != nil {
		h.logger.Warn("failed to persist task cancellation", "task_id", t.ID, "error", err)
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
