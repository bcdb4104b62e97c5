package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GitHubClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewGitHubClient("test-token")
	c.BaseURL = server.URL
	return c
}

func TestGitHubClient_Headers(t *testing.T) {
	var gotAuth, gotAccept string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		fmt.Fprint(w, `{"default_branch":"main"}`)
	})

	_, err := c.defaultBranch(context.Background(), "o", "r")
	require.NoError(t, err)
	assert.Equal(t, "token test-token", gotAuth)
	assert.Equal(t, "application/vnd.github.v3+json", gotAccept)
}

func TestGitHubClient_CreateWorkingBranch(t *testing.T) {
	var refPayload map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/repos/o/r":
			fmt.Fprint(w, `{"default_branch":"master"}`)
		case r.Method == "GET" && r.URL.Path == "/repos/o/r/git/ref/heads/master":
			fmt.Fprint(w, `{"object":{"sha":"abc123"}}`)
		case r.Method == "POST" && r.URL.Path == "/repos/o/r/git/refs":
			json.NewDecoder(r.Body).Decode(&refPayload)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	branch, err := c.CreateWorkingBranch(context.Background(), "o", "r", 7)
	require.NoError(t, err)
	assert.Equal(t, "open-copilot/issue-7", branch)
	assert.Equal(t, "refs/heads/open-copilot/issue-7", refPayload["ref"])
	assert.Equal(t, "abc123", refPayload["sha"])
}

func TestGitHubClient_CreateWorkingBranch_AlreadyExists(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/o/r":
			fmt.Fprint(w, `{"default_branch":"main"}`)
		case r.URL.Path == "/repos/o/r/git/ref/heads/main":
			fmt.Fprint(w, `{"object":{"sha":"abc123"}}`)
		case r.Method == "POST":
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Reference already exists"}`)
		}
	})

	branch, err := c.CreateWorkingBranch(context.Background(), "o", "r", 3)
	require.NoError(t, err, "existing branch is reused")
	assert.Equal(t, "open-copilot/issue-3", branch)
}

func TestGitHubClient_CreateDraftPullRequest(t *testing.T) {
	var prPayload map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/o/r":
			fmt.Fprint(w, `{"default_branch":"main"}`)
		case r.Method == "POST" && r.URL.Path == "/repos/o/r/pulls":
			json.NewDecoder(r.Body).Decode(&prPayload)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"number":42}`)
		}
	})

	num, err := c.CreateDraftPullRequest(context.Background(), "o", "r", "open-copilot/issue-1", 1, "T", "B")
	require.NoError(t, err)
	assert.Equal(t, 42, num)
	assert.Equal(t, true, prPayload["draft"])
	assert.Equal(t, "open-copilot/issue-1", prPayload["head"])
	assert.Equal(t, "main", prPayload["base"])
	assert.Equal(t, "T", prPayload["title"])
}

func TestGitHubClient_GetPullRequestNumberForBranch(t *testing.T) {
	empty := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		assert.Equal(t, "o:feature", r.URL.Query().Get("head"))
		if empty {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[{"number":7}]`)
	})

	num, err := c.GetPullRequestNumberForBranch(context.Background(), "o", "r", "feature")
	require.NoError(t, err)
	assert.Equal(t, 7, num)

	empty = true
	_, err = c.GetPullRequestNumberForBranch(context.Background(), "o", "r", "feature")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGitHubClient_Comments(t *testing.T) {
	var patched string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/repos/o/r/issues/5/comments":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":991}`)
		case r.Method == "PATCH" && r.URL.Path == "/repos/o/r/issues/comments/991":
			var p map[string]string
			json.NewDecoder(r.Body).Decode(&p)
			patched = p["body"]
			fmt.Fprint(w, `{}`)
		}
	})
	ctx := context.Background()

	id, err := c.PostPullRequestComment(ctx, "o", "r", 5, "progress")
	require.NoError(t, err)
	assert.Equal(t, int64(991), id)

	require.NoError(t, c.UpdatePullRequestComment(ctx, "o", "r", id, "updated progress"))
	assert.Equal(t, "updated progress", patched)
}

func TestGitHubClient_GetRepositoryContents_File(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("# Instructions\nDo the thing.\n"))
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/o/r/contents/.github/open-copilot/instructions.md", r.URL.Path)
		fmt.Fprintf(w, `{"name":"instructions.md","path":".github/open-copilot/instructions.md","type":"file","encoding":"base64","content":%q}`, encoded)
	})

	got, err := c.GetRepositoryContents(context.Background(), "o", "r", ".github/open-copilot/instructions.md")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "file", got[0].Type)
	assert.Equal(t, "# Instructions\nDo the thing.\n", got[0].Decoded)
}

func TestGitHubClient_GetRepositoryContents_Directory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"a.md","path":"docs/a.md","type":"file"},{"name":"sub","path":"docs/sub","type":"dir"}]`)
	})

	got, err := c.GetRepositoryContents(context.Background(), "o", "r", "docs")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "dir", got[1].Type)
}

func TestGitHubClient_NotFoundVsTransport(t *testing.T) {
	status := http.StatusNotFound
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"message":"whatever"}`)
	})

	_, err := c.GetRepositoryContents(context.Background(), "o", "r", "missing.md")
	assert.ErrorIs(t, err, ErrNotFound)

	status = http.StatusInternalServerError
	_, err = c.GetRepositoryContents(context.Background(), "o", "r", "missing.md")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "github api error: 500")
}

func TestStaticTokenProvider(t *testing.T) {
	tok, err := StaticTokenProvider("abc").InstallationToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticTokenProvider("").InstallationToken(context.Background(), 1)
	assert.Error(t, err)
}
