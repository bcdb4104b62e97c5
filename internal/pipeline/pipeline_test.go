package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opencopilot/internal/clock"
	"opencopilot/internal/db"
	"opencopilot/internal/forge"
	"opencopilot/internal/jobs"
	"opencopilot/internal/sandbox"
	"opencopilot/internal/task"
)

var testInstant = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() *clock.Fixed { return &clock.Fixed{Instant: testInstant} }

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeForge is a function-field test double for forge.Client. Unset fields
// fall back to benign defaults.
type fakeForge struct {
	mu    sync.Mutex
	calls []string

	CreateWorkingBranchFunc           func(ctx context.Context, owner, repo string, issue int) (string, error)
	CreateDraftPullRequestFunc        func(ctx context.Context, owner, repo, branch string, issue int, title, body string) (int, error)
	UpdatePullRequestDescriptionFunc  func(ctx context.Context, owner, repo string, number int, title, body string) error
	GetPullRequestNumberForBranchFunc func(ctx context.Context, owner, repo, branch string) (int, error)
	GetPullRequestFunc                func(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error)
	PostPullRequestCommentFunc        func(ctx context.Context, owner, repo string, number int, body string) (int64, error)
	UpdatePullRequestCommentFunc      func(ctx context.Context, owner, repo string, commentID int64, body string) error
	GetRepositoryContentsFunc         func(ctx context.Context, owner, repo, path string) ([]forge.Content, error)
}

func (f *fakeForge) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeForge) CreateWorkingBranch(ctx context.Context, owner, repo string, issue int) (string, error) {
	f.record("CreateWorkingBranch")
	if f.CreateWorkingBranchFunc != nil {
		return f.CreateWorkingBranchFunc(ctx, owner, repo, issue)
	}
	return forge.BranchName(issue), nil
}

func (f *fakeForge) CreateDraftPullRequest(ctx context.Context, owner, repo, branch string, issue int, title, body string) (int, error) {
	f.record("CreateDraftPullRequest")
	if f.CreateDraftPullRequestFunc != nil {
		return f.CreateDraftPullRequestFunc(ctx, owner, repo, branch, issue, title, body)
	}
	return 42, nil
}

func (f *fakeForge) UpdatePullRequestDescription(ctx context.Context, owner, repo string, number int, title, body string) error {
	f.record("UpdatePullRequestDescription")
	if f.UpdatePullRequestDescriptionFunc != nil {
		return f.UpdatePullRequestDescriptionFunc(ctx, owner, repo, number, title, body)
	}
	return nil
}

func (f *fakeForge) GetPullRequestNumberForBranch(ctx context.Context, owner, repo, branch string) (int, error) {
	f.record("GetPullRequestNumberForBranch")
	if f.GetPullRequestNumberForBranchFunc != nil {
		return f.GetPullRequestNumberForBranchFunc(ctx, owner, repo, branch)
	}
	return 42, nil
}

func (f *fakeForge) GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error) {
	f.record("GetPullRequest")
	if f.GetPullRequestFunc != nil {
		return f.GetPullRequestFunc(ctx, owner, repo, number)
	}
	return &forge.PullRequest{Number: number, Title: "[WIP] something", State: "open", Draft: true}, nil
}

func (f *fakeForge) PostPullRequestComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	f.record("PostPullRequestComment")
	if f.PostPullRequestCommentFunc != nil {
		return f.PostPullRequestCommentFunc(ctx, owner, repo, number, body)
	}
	return 9001, nil
}

func (f *fakeForge) UpdatePullRequestComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	f.record("UpdatePullRequestComment")
	if f.UpdatePullRequestCommentFunc != nil {
		return f.UpdatePullRequestCommentFunc(ctx, owner, repo, commentID, body)
	}
	return nil
}

func (f *fakeForge) GetRepositoryContents(ctx context.Context, owner, repo, path string) ([]forge.Content, error) {
	f.record("GetRepositoryContents")
	if f.GetRepositoryContentsFunc != nil {
		return f.GetRepositoryContentsFunc(ctx, owner, repo, path)
	}
	return nil, forge.ErrNotFound
}

// fakeSandbox implements Sandbox with recorded calls.
type fakeSandbox struct {
	mu       sync.Mutex
	created  int
	cleanups int

	CreateFunc        func(ctx context.Context, owner, repo, token, branch string, imageType sandbox.ImageType) (string, error)
	ExecuteFunc       func(ctx context.Context, containerID, program string, argv ...string) (sandbox.ExecResult, error)
	ReadFileFunc      func(ctx context.Context, containerID, relPath string) (string, error)
	WriteFileFunc     func(ctx context.Context, containerID, relPath, content string) error
	CommitAndPushFunc func(ctx context.Context, containerID, message, owner, repo, branch, token string) error
	CleanupFunc       func(ctx context.Context, containerID string) error
}

func (f *fakeSandbox) Create(ctx context.Context, owner, repo, token, branch string, imageType sandbox.ImageType) (string, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	if f.CreateFunc != nil {
		return f.CreateFunc(ctx, owner, repo, token, branch, imageType)
	}
	return "ctr-1", nil
}

func (f *fakeSandbox) Execute(ctx context.Context, containerID, program string, argv ...string) (sandbox.ExecResult, error) {
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, containerID, program, argv...)
	}
	return sandbox.ExecResult{}, nil
}

func (f *fakeSandbox) ReadFile(ctx context.Context, containerID, relPath string) (string, error) {
	if f.ReadFileFunc != nil {
		return f.ReadFileFunc(ctx, containerID, relPath)
	}
	return "", nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, containerID, relPath, content string) error {
	if f.WriteFileFunc != nil {
		return f.WriteFileFunc(ctx, containerID, relPath, content)
	}
	return nil
}

func (f *fakeSandbox) CommitAndPush(ctx context.Context, containerID, message, owner, repo, branch, token string) error {
	if f.CommitAndPushFunc != nil {
		return f.CommitAndPushFunc(ctx, containerID, message, owner, repo, branch, token)
	}
	return nil
}

func (f *fakeSandbox) Cleanup(ctx context.Context, containerID string) error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	if f.CleanupFunc != nil {
		return f.CleanupFunc(ctx, containerID)
	}
	return nil
}

func (f *fakeSandbox) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

// fakeEditor implements FileEditor.
type fakeEditor struct {
	mu      sync.Mutex
	applied []string

	ApplyFunc func(ctx context.Context, containerID string, step task.Step, ec EditContext) error
}

func (f *fakeEditor) Apply(ctx context.Context, containerID string, step task.Step, ec EditContext) error {
	f.mu.Lock()
	f.applied = append(f.applied, step.ID)
	f.mu.Unlock()
	if f.ApplyFunc != nil {
		return f.ApplyFunc(ctx, containerID, step, ec)
	}
	return nil
}

func (f *fakeEditor) appliedSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

// fakeDispatcher implements JobDispatcher.
type fakeDispatcher struct {
	mu     sync.Mutex
	jobs   []*jobs.Job
	accept bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job *jobs.Job) bool {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return f.accept
}

func newTestTask(t *testing.T, store db.TaskStore, status task.Status, plan *task.Plan) *task.Task {
	t.Helper()
	tk := task.New("acme", "widgets", 7, 99, testInstant)
	tk.Status = status
	tk.Plan = plan
	require.NoError(t, store.Create(context.Background(), tk))
	return tk
}

func twoStepPlan() *task.Plan {
	return &task.Plan{
		ProblemSummary: "The widget is broken",
		Steps: []task.Step{
			{ID: "1", Title: "Fix parser", Details: "Handle empty input"},
			{ID: "2", Title: "Add test", Details: "Cover the empty case"},
		},
		Checklist:   []string{"tests pass"},
		Constraints: []string{"no new dependencies"},
	}
}
