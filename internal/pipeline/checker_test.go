package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opencopilot/internal/sandbox"
)

func TestCommandChecker_Passes(t *testing.T) {
	sb := &fakeSandbox{ExecuteFunc: func(_ context.Context, _, program string, argv ...string) (sandbox.ExecResult, error) {
		assert.Equal(t, "go", program)
		assert.Equal(t, []string{"test", "./..."}, argv)
		return sandbox.ExecResult{ExitCode: 0}, nil
	}}

	ok, report, err := NewCommandChecker(sb, "go", "test", "./...").Check(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, report)
}

func TestCommandChecker_ReportsFailure(t *testing.T) {
	sb := &fakeSandbox{ExecuteFunc: func(context.Context, string, string, ...string) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{ExitCode: 1, Stdout: "FAIL widgets 0.3s", Stderr: "exit status 1"}, nil
	}}

	ok, report, err := NewCommandChecker(sb, "go", "test", "./...").Check(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, report, "exited with 1")
	assert.Contains(t, report, "FAIL widgets")
}

func TestCommandChecker_TransportError(t *testing.T) {
	sb := &fakeSandbox{ExecuteFunc: func(context.Context, string, string, ...string) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{}, errors.New("container gone")
	}}

	_, _, err := NewCommandChecker(sb, "go", "vet").Check(context.Background(), "ctr-1")
	assert.Error(t, err)
}
