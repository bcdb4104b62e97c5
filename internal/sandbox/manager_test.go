package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver records every call and answers execs through a configurable
// function keyed on the command line.
type fakeDriver struct {
	runImage  string
	runErr    error
	execFunc  func(argv []string) (ExecResult, error)
	stopErr   error
	removeErr error

	execCalls  [][]string
	stdinCalls []string
	stopped    []string
	removed    []string
}

func (d *fakeDriver) Run(_ context.Context, image, _ string) (string, error) {
	d.runImage = image
	if d.runErr != nil {
		return "", d.runErr
	}
	return "c-123", nil
}

func (d *fakeDriver) Exec(_ context.Context, _ string, argv []string) (ExecResult, error) {
	d.execCalls = append(d.execCalls, argv)
	if d.execFunc != nil {
		return d.execFunc(argv)
	}
	return ExecResult{}, nil
}

func (d *fakeDriver) ExecInput(_ context.Context, _ string, stdin string, argv []string) (ExecResult, error) {
	d.execCalls = append(d.execCalls, argv)
	d.stdinCalls = append(d.stdinCalls, stdin)
	if d.execFunc != nil {
		return d.execFunc(argv)
	}
	return ExecResult{}, nil
}

func (d *fakeDriver) Stop(_ context.Context, id string) error {
	d.stopped = append(d.stopped, id)
	return d.stopErr
}

func (d *fakeDriver) Remove(_ context.Context, id string) error {
	d.removed = append(d.removed, id)
	return d.removeErr
}

func (d *fakeDriver) commandIssued(prefix ...string) bool {
	for _, call := range d.execCalls {
		if len(call) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if call[i] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func newTestManager(d *fakeDriver) *Manager {
	return NewManager(d, nil, nil)
}

func TestManager_Create_ImageSelection(t *testing.T) {
	tests := []struct {
		imageType ImageType
		image     string
	}{
		{ImageDotNet, "mcr.microsoft.com/dotnet/sdk:10.0"},
		{ImageJavaScript, "node:20-bookworm"},
		{ImageJava, "eclipse-temurin:21-jdk"},
		{ImageGo, "golang:1.22-bookworm"},
		{ImageRust, "rust:1-bookworm"},
		{"", "mcr.microsoft.com/dotnet/sdk:10.0"}, // default
	}
	for _, tc := range tests {
		t.Run(string(tc.imageType), func(t *testing.T) {
			d := &fakeDriver{}
			m := newTestManager(d)

			id, err := m.Create(context.Background(), "o", "r", "tok", "main", tc.imageType)
			require.NoError(t, err)
			assert.Equal(t, "c-123", id)
			assert.Equal(t, tc.image, d.runImage)
		})
	}
}

func TestManager_Create_UnknownImageTypeOutOfRange(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d)

	_, err := m.Create(context.Background(), "o", "r", "tok", "main", "Cobol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imageType")
	assert.Contains(t, err.Error(), "out of range")
	assert.Empty(t, d.runImage, "no container started")
}

func TestManager_Create_InstallsGitWhenMissing(t *testing.T) {
	d := &fakeDriver{}
	d.execFunc = func(argv []string) (ExecResult, error) {
		if argv[0] == "which" && argv[1] == "git" {
			return ExecResult{ExitCode: 1}, nil
		}
		return ExecResult{}, nil
	}
	m := newTestManager(d)

	_, err := m.Create(context.Background(), "o", "r", "tok", "main", ImageGo)
	require.NoError(t, err)
	assert.True(t, d.commandIssued("apt-get", "update"))
	assert.True(t, d.commandIssued("apt-get", "install", "-y", "git"))
}

func TestManager_Create_SkipsGitInstallWhenPresent(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d)

	_, err := m.Create(context.Background(), "o", "r", "tok", "main", ImageGo)
	require.NoError(t, err)
	assert.False(t, d.commandIssued("apt-get"))
}

func TestManager_Create_ClonesWithTokenURL(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d)

	_, err := m.Create(context.Background(), "octocat", "hello", "tok123", "open-copilot/issue-7", ImageDotNet)
	require.NoError(t, err)
	assert.True(t, d.commandIssued("git", "clone", "--branch", "open-copilot/issue-7",
		"--single-branch", "https://tok123@github.com/octocat/hello.git", "."))
}

func TestManager_Create_TeardownOnCloneFailure(t *testing.T) {
	d := &fakeDriver{}
	d.execFunc = func(argv []string) (ExecResult, error) {
		if argv[0] == "git" && argv[1] == "clone" {
			return ExecResult{ExitCode: 128, Stderr: "fatal: could not read from https://tok123@github.com/o/r.git"}, nil
		}
		return ExecResult{}, nil
	}
	m := newTestManager(d)

	_, err := m.Create(context.Background(), "o", "r", "tok123", "main", ImageGo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git clone failed")
	assert.NotContains(t, err.Error(), "tok123", "token redacted")
	assert.Equal(t, []string{"c-123"}, d.stopped, "container torn down")
	assert.Equal(t, []string{"c-123"}, d.removed)
}

func TestManager_Execute_PassesThroughExitCode(t *testing.T) {
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		return ExecResult{ExitCode: 2, Stdout: "o", Stderr: "e"}, nil
	}}
	m := newTestManager(d)

	res, err := m.Execute(context.Background(), "c-123", "dotnet", "build")
	require.NoError(t, err, "nonzero exit is not an error")
	assert.Equal(t, 2, res.ExitCode)
	assert.True(t, d.commandIssued("dotnet", "build"))
}

func TestManager_ReadFile(t *testing.T) {
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		return ExecResult{Stdout: "content"}, nil
	}}
	m := newTestManager(d)

	got, err := m.ReadFile(context.Background(), "c-123", "src/Program.cs")
	require.NoError(t, err)
	assert.Equal(t, "content", got)
	assert.True(t, d.commandIssued("cat", "/workspace/src/Program.cs"))
}

func TestManager_ReadFile_MissingFileFails(t *testing.T) {
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		return ExecResult{ExitCode: 1, Stderr: "cat: no such file"}, nil
	}}
	m := newTestManager(d)

	_, err := m.ReadFile(context.Background(), "c-123", "nope.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cat failed")
}

func TestManager_WriteFile_StdinTransfer(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d)

	content := "line1\nit's got 'quotes' and $vars\n"
	require.NoError(t, m.WriteFile(context.Background(), "c-123", "src/new.cs", content))

	require.Len(t, d.stdinCalls, 1)
	assert.Equal(t, content, d.stdinCalls[0], "payload travels over stdin verbatim")

	last := d.execCalls[len(d.execCalls)-1]
	require.Equal(t, "sh", last[0])
	assert.Contains(t, last[2], "mkdir -p '/workspace/src'")
	assert.Contains(t, last[2], "cat > '/workspace/src/new.cs'")
}

func TestManager_PathTraversalRejectedBeforeAnyCommand(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d)
	ctx := context.Background()

	err := m.CreateDirectory(ctx, "c-123", "../../etc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPathEscape)
	assert.Contains(t, err.Error(), "outside the workspace directory")
	assert.Empty(t, d.execCalls, "no mkdir issued")

	_, err = m.ReadFile(ctx, "c-123", "..")
	assert.ErrorIs(t, err, ErrPathEscape)
	err = m.WriteFile(ctx, "c-123", "", "x")
	assert.Contains(t, err.Error(), "null or empty")
	assert.Empty(t, d.execCalls)
}

func TestManager_DirectoryExists(t *testing.T) {
	exists := true
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		if exists {
			return ExecResult{}, nil
		}
		return ExecResult{ExitCode: 1}, nil
	}}
	m := newTestManager(d)
	ctx := context.Background()

	ok, err := m.DirectoryExists(ctx, "c-123", "src")
	require.NoError(t, err)
	assert.True(t, ok)

	exists = false
	ok, err = m.DirectoryExists(ctx, "c-123", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_FileOperations(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d)
	ctx := context.Background()

	require.NoError(t, m.Move(ctx, "c-123", "a.txt", "b.txt"))
	assert.True(t, d.commandIssued("mv", "/workspace/a.txt", "/workspace/b.txt"))

	require.NoError(t, m.Copy(ctx, "c-123", "src", "backup"))
	assert.True(t, d.commandIssued("cp", "-r", "/workspace/src", "/workspace/backup"))

	require.NoError(t, m.Delete(ctx, "c-123", "tmp.txt", false))
	assert.True(t, d.commandIssued("rm", "-f", "/workspace/tmp.txt"))

	require.NoError(t, m.Delete(ctx, "c-123", "build", true))
	assert.True(t, d.commandIssued("rm", "-rf", "/workspace/build"))
}

func TestManager_ListContents(t *testing.T) {
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		return ExecResult{Stdout: "a.txt\nsub\n.hidden\n"}, nil
	}}
	m := newTestManager(d)

	got, err := m.ListContents(context.Background(), "c-123", ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "sub", ".hidden"}, got)
}

func TestManager_CommitAndPush_CleanTreeShortCircuits(t *testing.T) {
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		if strings.Join(argv[:3], " ") == "git status --porcelain" {
			return ExecResult{Stdout: "  \n"}, nil
		}
		return ExecResult{}, nil
	}}
	m := newTestManager(d)

	err := m.CommitAndPush(context.Background(), "c-123", "msg", "o", "r", "main", "tok")
	require.NoError(t, err)
	assert.True(t, d.commandIssued("git", "add", "-A"))
	assert.False(t, d.commandIssued("git", "commit"), "no commit on clean tree")
	assert.False(t, d.commandIssued("git", "push"), "no push on clean tree")
}

func TestManager_CommitAndPush_DirtyTree(t *testing.T) {
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		if strings.Join(argv[:3], " ") == "git status --porcelain" {
			return ExecResult{Stdout: " M src/Program.cs\n"}, nil
		}
		return ExecResult{}, nil
	}}
	m := newTestManager(d)

	err := m.CommitAndPush(context.Background(), "c-123", "apply step 1", "o", "r", "open-copilot/issue-1", "tok")
	require.NoError(t, err)
	assert.True(t, d.commandIssued("git", "config", "user.name", BotName))
	assert.True(t, d.commandIssued("git", "config", "user.email", BotEmail))
	assert.True(t, d.commandIssued("git", "remote", "set-url", "origin", "https://tok@github.com/o/r.git"))
	assert.True(t, d.commandIssued("git", "commit", "-m", "apply step 1"))
	assert.True(t, d.commandIssued("git", "push", "origin", "HEAD:open-copilot/issue-1"))
}

func TestManager_CommitAndPush_DistinctErrorKinds(t *testing.T) {
	mkDriver := func(failCmd string) *fakeDriver {
		return &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
			switch {
			case strings.Join(argv[:3], " ") == "git status --porcelain":
				return ExecResult{Stdout: "M x\n"}, nil
			case argv[0] == "git" && argv[1] == failCmd:
				return ExecResult{ExitCode: 1, Stderr: failCmd + " exploded"}, nil
			}
			return ExecResult{}, nil
		}}
	}

	err := newTestManager(mkDriver("commit")).CommitAndPush(context.Background(), "c", "m", "o", "r", "b", "t")
	assert.ErrorIs(t, err, ErrCommit)
	assert.NotErrorIs(t, err, ErrPush)

	err = newTestManager(mkDriver("push")).CommitAndPush(context.Background(), "c", "m", "o", "r", "b", "t")
	assert.ErrorIs(t, err, ErrPush)
	assert.NotErrorIs(t, err, ErrCommit)
}

func TestManager_Cleanup_AttemptsBothOnStopFailure(t *testing.T) {
	d := &fakeDriver{stopErr: errors.New("stop broke")}
	m := newTestManager(d)

	err := m.Cleanup(context.Background(), "c-123")
	require.Error(t, err)
	assert.Equal(t, []string{"c-123"}, d.stopped)
	assert.Equal(t, []string{"c-123"}, d.removed, "remove attempted despite stop failure")
}

func TestManager_Cleanup_BothSucceed(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(d)
	require.NoError(t, m.Cleanup(context.Background(), "c-123"))
}

// driver error (as opposed to nonzero exit) propagates untouched.
func TestManager_Execute_DriverError(t *testing.T) {
	boom := fmt.Errorf("daemon unreachable")
	d := &fakeDriver{execFunc: func(argv []string) (ExecResult, error) {
		return ExecResult{}, boom
	}}
	m := newTestManager(d)

	_, err := m.Execute(context.Background(), "c-123", "ls")
	assert.ErrorIs(t, err, boom)
}
