package forge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHubClient implements Client against the GitHub REST API.
type GitHubClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewGitHubClient creates a client. token may be empty for anonymous
// access to public repositories (with tighter rate limits).
func NewGitHubClient(token string) *GitHubClient {
	return &GitHubClient{
		BaseURL: "https://api.github.com",
		Token:   token,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// InstallationToken satisfies TokenProvider with the configured token.
func (c *GitHubClient) InstallationToken(context.Context, int64) (string, error) {
	if c.Token == "" {
		return "", fmt.Errorf("no forge token configured")
	}
	return c.Token, nil
}

func (c *GitHubClient) CreateWorkingBranch(ctx context.Context, owner, repo string, issue int) (string, error) {
	branch := BranchName(issue)

	base, err := c.defaultBranch(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	refURL := fmt.Sprintf("%s/repos/%s/%s/git/ref/heads/%s", c.BaseURL, owner, repo, url.PathEscape(base))
	if err := c.do(ctx, "GET", refURL, nil, &ref); err != nil {
		return "", fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}

	payload := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": ref.Object.SHA,
	}
	createURL := fmt.Sprintf("%s/repos/%s/%s/git/refs", c.BaseURL, owner, repo)
	err = c.do(ctx, "POST", createURL, payload, nil)
	if err != nil && !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	return branch, nil
}

func (c *GitHubClient) CreateDraftPullRequest(ctx context.Context, owner, repo, branch string, issue int, title, body string) (int, error) {
	base, err := c.defaultBranch(ctx, owner, repo)
	if err != nil {
		return 0, err
	}

	payload := map[string]any{
		"title": title,
		"body":  body,
		"head":  branch,
		"base":  base,
		"draft": true,
	}
	var pr PullRequest
	prURL := fmt.Sprintf("%s/repos/%s/%s/pulls", c.BaseURL, owner, repo)
	if err := c.do(ctx, "POST", prURL, payload, &pr); err != nil {
		return 0, fmt.Errorf("failed to create pull request for %s: %w", branch, err)
	}
	return pr.Number, nil
}

func (c *GitHubClient) UpdatePullRequestDescription(ctx context.Context, owner, repo string, number int, title, body string) error {
	payload := map[string]string{"title": title, "body": body}
	prURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.BaseURL, owner, repo, number)
	if err := c.do(ctx, "PATCH", prURL, payload, nil); err != nil {
		return fmt.Errorf("failed to update pull request %d: %w", number, err)
	}
	return nil
}

func (c *GitHubClient) GetPullRequestNumberForBranch(ctx context.Context, owner, repo, branch string) (int, error) {
	listURL := fmt.Sprintf("%s/repos/%s/%s/pulls?state=all&head=%s",
		c.BaseURL, owner, repo, url.QueryEscape(owner+":"+branch))

	var prs []PullRequest
	if err := c.do(ctx, "GET", listURL, nil, &prs); err != nil {
		return 0, err
	}
	if len(prs) == 0 {
		return 0, fmt.Errorf("no pull request for branch %s: %w", branch, ErrNotFound)
	}
	return prs[0].Number, nil
}

func (c *GitHubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	prURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.BaseURL, owner, repo, number)
	if err := c.do(ctx, "GET", prURL, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *GitHubClient) PostPullRequestComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	var created struct {
		ID int64 `json:"id"`
	}
	commentURL := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.BaseURL, owner, repo, number)
	if err := c.do(ctx, "POST", commentURL, map[string]string{"body": body}, &created); err != nil {
		return 0, fmt.Errorf("failed to post comment: %w", err)
	}
	return created.ID, nil
}

func (c *GitHubClient) UpdatePullRequestComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	commentURL := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%d", c.BaseURL, owner, repo, commentID)
	if err := c.do(ctx, "PATCH", commentURL, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("failed to update comment %d: %w", commentID, err)
	}
	return nil
}

func (c *GitHubClient) GetRepositoryContents(ctx context.Context, owner, repo, path string) ([]Content, error) {
	contentsURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.BaseURL, owner, repo, path)

	raw, err := c.doRaw(ctx, "GET", contentsURL, nil)
	if err != nil {
		return nil, err
	}

	// A file path yields a single object, a directory yields an array.
	type entry struct {
		Name     string `json:"name"`
		Path     string `json:"path"`
		Type     string `json:"type"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	decode := func(e entry) (Content, error) {
		c := Content{Name: e.Name, Path: e.Path, Type: e.Type}
		if e.Type == "file" && e.Encoding == "base64" {
			data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(e.Content, "\n", ""))
			if err != nil {
				return Content{}, fmt.Errorf("failed to decode %s: %w", e.Path, err)
			}
			c.Decoded = string(data)
		}
		return c, nil
	}

	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		var entries []entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("failed to decode contents listing: %w", err)
		}
		out := make([]Content, 0, len(entries))
		for _, e := range entries {
			c, err := decode(e)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode contents: %w", err)
	}
	c2, err := decode(e)
	if err != nil {
		return nil, err
	}
	return []Content{c2}, nil
}

func (c *GitHubClient) defaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var info struct {
		DefaultBranch string `json:"default_branch"`
	}
	repoURL := fmt.Sprintf("%s/repos/%s/%s", c.BaseURL, owner, repo)
	if err := c.do(ctx, "GET", repoURL, nil, &info); err != nil {
		return "", fmt.Errorf("failed to look up repository %s/%s: %w", owner, repo, err)
	}
	if info.DefaultBranch == "" {
		return "main", nil
	}
	return info.DefaultBranch, nil
}

// do performs a JSON request/response round trip.
func (c *GitHubClient) do(ctx context.Context, method, rawURL string, payload, out any) error {
	raw, err := c.doRaw(ctx, method, rawURL, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *GitHubClient) doRaw(ctx context.Context, method, rawURL string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", rawURL, ErrNotFound)
	case resp.StatusCode >= 300:
		return nil, &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *GitHubClient) setHeaders(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "token "+c.Token)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "opencopilot-agent")
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github api error: %d %s", e.Status, e.Body)
}

func isAlreadyExists(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnprocessableEntity &&
		strings.Contains(apiErr.Body, "already exists")
}

var _ Client = (*GitHubClient)(nil)
