package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"opencopilot/internal/forge"
	"opencopilot/internal/task"
)

// WIPPrefix marks a pull request whose plan is still being executed.
const WIPPrefix = "[WIP] "

// Reporter projects task and step state into pull request comments and
// body updates. It keeps one progress comment per task and edits it in
// place so the PR stays readable. The comment-id map lives in memory; a
// restart simply starts a fresh comment.
type Reporter struct {
	forge  forge.Client
	logger *slog.Logger

	mu       sync.Mutex
	comments map[string]int64 // task id -> progress comment id
}

func NewReporter(fc forge.Client, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		forge:    fc,
		logger:   logger,
		comments: make(map[string]int64),
	}
}

// ReportProgress posts or updates the task's progress comment on the PR.
func (r *Reporter) ReportProgress(ctx context.Context, t *task.Task, prNumber int) error {
	if t.Plan == nil {
		return nil
	}
	body := renderProgress(t)

	r.mu.Lock()
	commentID, ok := r.comments[t.ID]
	r.mu.Unlock()

	if ok {
		if err := r.forge.UpdatePullRequestComment(ctx, t.Owner, t.Repo, commentID, body); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		// Fall through and post a fresh comment; the old id may be stale.
	}

	id, err := r.forge.PostPullRequestComment(ctx, t.Owner, t.Repo, prNumber, body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.comments[t.ID] = id
	r.mu.Unlock()
	return nil
}

// FinalizePullRequest drops the WIP prefix and renders the completed plan
// into the PR body.
func (r *Reporter) FinalizePullRequest(ctx context.Context, t *task.Task, prNumber int) error {
	pr, err := r.forge.GetPullRequest(ctx, t.Owner, t.Repo, prNumber)
	if err != nil {
		return err
	}

	title := strings.TrimPrefix(pr.Title, WIPPrefix)
	body := renderFinalBody(t)
	if err := r.forge.UpdatePullRequestDescription(ctx, t.Owner, t.Repo, prNumber, title, body); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.comments, t.ID)
	r.mu.Unlock()
	return nil
}

// ReportFailure posts a final failure comment on the PR.
func (r *Reporter) ReportFailure(ctx context.Context, t *task.Task, prNumber int, cause string) error {
	body := fmt.Sprintf("The agent could not complete this task.\n\n**Last error:** %s\n", cause)
	_, err := r.forge.PostPullRequestComment(ctx, t.Owner, t.Repo, prNumber, body)
	return err
}

// RenderPlanMarkdown renders the plan for a PR description.
func RenderPlanMarkdown(p *task.Plan) string {
	var b strings.Builder
	if p.ProblemSummary != "" {
		b.WriteString(p.ProblemSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("### Plan\n")
	for _, s := range p.Steps {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] **%s** — %s\n", mark, s.Title, s.Details)
	}
	if len(p.Checklist) > 0 {
		b.WriteString("\n### Checklist\n")
		for _, c := range p.Checklist {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(p.Constraints) > 0 {
		b.WriteString("\n### Constraints\n")
		for _, c := range p.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func renderProgress(t *task.Task) string {
	done := 0
	for _, s := range t.Plan.Steps {
		if s.Done {
			done++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Progress: %d/%d steps**\n\n", done, len(t.Plan.Steps))
	for _, s := range t.Plan.Steps {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, s.Title)
	}
	return b.String()
}

func renderFinalBody(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolves #%d.\n\n", t.IssueNumber)
	if t.Plan != nil {
		b.WriteString(RenderPlanMarkdown(t.Plan))
	}
	return b.String()
}
