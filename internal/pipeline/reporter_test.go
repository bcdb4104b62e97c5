package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opencopilot/internal/forge"
	"opencopilot/internal/task"
)

func reporterTask(plan *task.Plan) *task.Task {
	tk := task.New("acme", "widgets", 7, 99, testInstant)
	tk.Plan = plan
	return tk
}

func TestReporter_ReportProgressPostsThenUpdates(t *testing.T) {
	fc := &fakeForge{}
	var posted, updated []string
	fc.PostPullRequestCommentFunc = func(_ context.Context, _, _ string, number int, body string) (int64, error) {
		assert.Equal(t, 42, number)
		posted = append(posted, body)
		return 555, nil
	}
	fc.UpdatePullRequestCommentFunc = func(_ context.Context, _, _ string, commentID int64, body string) error {
		assert.EqualValues(t, 555, commentID)
		updated = append(updated, body)
		return nil
	}

	r := NewReporter(fc, discardLogger())
	tk := reporterTask(twoStepPlan())

	tk.Plan.Steps[0].Done = true
	require.NoError(t, r.ReportProgress(context.Background(), tk, 42))
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "**Progress: 1/2 steps**")
	assert.Contains(t, posted[0], "- [x] Fix parser")
	assert.Contains(t, posted[0], "- [ ] Add test")

	tk.Plan.Steps[1].Done = true
	require.NoError(t, r.ReportProgress(context.Background(), tk, 42))
	assert.Len(t, posted, 1)
	require.Len(t, updated, 1)
	assert.Contains(t, updated[0], "**Progress: 2/2 steps**")
}

func TestReporter_StaleCommentFallsBackToFreshPost(t *testing.T) {
	fc := &fakeForge{}
	posts := 0
	fc.PostPullRequestCommentFunc = func(context.Context, string, string, int, string) (int64, error) {
		posts++
		return int64(posts), nil
	}
	fc.UpdatePullRequestCommentFunc = func(context.Context, string, string, int64, string) error {
		return errors.New("404 comment deleted")
	}

	r := NewReporter(fc, discardLogger())
	tk := reporterTask(twoStepPlan())

	require.NoError(t, r.ReportProgress(context.Background(), tk, 42))
	require.NoError(t, r.ReportProgress(context.Background(), tk, 42))
	assert.Equal(t, 2, posts)
}

func TestReporter_FinalizePullRequest(t *testing.T) {
	fc := &fakeForge{}
	fc.GetPullRequestFunc = func(_ context.Context, _, _ string, number int) (*forge.PullRequest, error) {
		return &forge.PullRequest{Number: number, Title: "[WIP] Broken widget", Draft: true}, nil
	}
	var gotTitle, gotBody string
	fc.UpdatePullRequestDescriptionFunc = func(_ context.Context, _, _ string, _ int, title, body string) error {
		gotTitle, gotBody = title, body
		return nil
	}

	r := NewReporter(fc, discardLogger())
	plan := twoStepPlan()
	plan.Steps[0].Done = true
	plan.Steps[1].Done = true
	tk := reporterTask(plan)

	require.NoError(t, r.FinalizePullRequest(context.Background(), tk, 42))
	assert.Equal(t, "Broken widget", gotTitle)
	assert.Contains(t, gotBody, "Resolves #7.")
	assert.Contains(t, gotBody, "- [x] **Fix parser**")
	assert.Contains(t, gotBody, "### Checklist")
}

func TestReporter_FinalizeForgetsCommentID(t *testing.T) {
	fc := &fakeForge{}
	posts := 0
	fc.PostPullRequestCommentFunc = func(context.Context, string, string, int, string) (int64, error) {
		posts++
		return 555, nil
	}

	r := NewReporter(fc, discardLogger())
	tk := reporterTask(twoStepPlan())

	require.NoError(t, r.ReportProgress(context.Background(), tk, 42))
	require.NoError(t, r.FinalizePullRequest(context.Background(), tk, 42))
	require.NoError(t, r.ReportProgress(context.Background(), tk, 42))
	assert.Equal(t, 2, posts)
}

func TestReporter_ReportFailure(t *testing.T) {
	fc := &fakeForge{}
	var body string
	fc.PostPullRequestCommentFunc = func(_ context.Context, _, _ string, _ int, b string) (int64, error) {
		body = b
		return 1, nil
	}

	r := NewReporter(fc, discardLogger())
	require.NoError(t, r.ReportFailure(context.Background(), reporterTask(nil), 42, "sandbox exploded"))
	assert.Contains(t, body, "sandbox exploded")
}

func TestReporter_NoPlanIsNoop(t *testing.T) {
	fc := &fakeForge{}
	r := NewReporter(fc, discardLogger())

	require.NoError(t, r.ReportProgress(context.Background(), reporterTask(nil), 42))
	assert.Empty(t, fc.calls)
}

func TestRenderPlanMarkdown(t *testing.T) {
	plan := twoStepPlan()
	plan.Steps[1].Done = true

	md := RenderPlanMarkdown(plan)
	assert.Contains(t, md, "The widget is broken")
	assert.Contains(t, md, "### Plan")
	assert.Contains(t, md, "- [ ] **Fix parser**")
	assert.Contains(t, md, "- [x] **Add test**")
	assert.Contains(t, md, "- tests pass")
	assert.Contains(t, md, "- no new dependencies")
}
