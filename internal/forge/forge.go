package forge

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound signals that the remote resource does not exist, as opposed
// to a transport failure. Callers probe optional paths with it.
var ErrNotFound = errors.New("forge resource not found")

// PullRequest is the subset of PR fields the pipeline reads.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Draft   bool   `json:"draft"`
	HTMLURL string `json:"html_url"`
}

// Content is a single entry of a repository-contents listing. Decoded is
// populated only for files.
type Content struct {
	Name    string
	Path    string
	Type    string
	Decoded string
}

// Client is the hosting-forge surface the pipeline depends on.
type Client interface {
	// CreateWorkingBranch branches off the default branch for issue and
	// returns the branch name. An already-existing branch is not an error.
	CreateWorkingBranch(ctx context.Context, owner, repo string, issue int) (string, error)
	// CreateDraftPullRequest opens a draft PR from branch against the
	// default branch and returns its number.
	CreateDraftPullRequest(ctx context.Context, owner, repo, branch string, issue int, title, body string) (int, error)
	UpdatePullRequestDescription(ctx context.Context, owner, repo string, number int, title, body string) error
	// GetPullRequestNumberForBranch returns ErrNotFound when no PR exists
	// for the branch.
	GetPullRequestNumberForBranch(ctx context.Context, owner, repo, branch string) (int, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	// PostPullRequestComment returns the created comment id so callers can
	// update it in place later.
	PostPullRequestComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)
	UpdatePullRequestComment(ctx context.Context, owner, repo string, commentID int64, body string) error
	// GetRepositoryContents lists path (or returns the single file at
	// path, decoded). A missing path is ErrNotFound.
	GetRepositoryContents(ctx context.Context, owner, repo, path string) ([]Content, error)
}

// TokenProvider yields an installation-scoped token for sandbox git
// operations.
type TokenProvider interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// StaticTokenProvider returns a fixed token regardless of installation.
type StaticTokenProvider string

func (p StaticTokenProvider) InstallationToken(context.Context, int64) (string, error) {
	if p == "" {
		return "", fmt.Errorf("no forge token configured")
	}
	return string(p), nil
}

// BranchName is the default working branch for an issue.
func BranchName(issue int) string {
	return fmt.Sprintf("open-copilot/issue-%d", issue)
}
