package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// MaxCaptureBytes bounds each captured output stream. Anything beyond it is
// dropped and the stream is marked truncated.
const MaxCaptureBytes = 10 << 20 // 10 MiB

// execCommandContext allows mocking of exec.CommandContext for testing.
var execCommandContext = exec.CommandContext

// Result holds the outcome of a completed process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner spawns external processes. It holds no per-process state and is
// safe for concurrent use.
type Runner interface {
	// Execute runs program with argv in workingDir and waits for it.
	// A nonzero exit code is NOT an error: it is reported in Result.
	// An error is returned only when the program could not be launched or
	// ctx was cancelled; in the latter case the ctx error is returned.
	Execute(ctx context.Context, workingDir, program string, argv ...string) (Result, error)

	// ExecuteInput is Execute with stdin fed to the process.
	ExecuteInput(ctx context.Context, workingDir, stdin, program string, argv ...string) (Result, error)
}

// Local runs processes on the host.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Execute(ctx context.Context, workingDir, program string, argv ...string) (Result, error) {
	return l.run(ctx, workingDir, "", program, argv)
}

func (l *Local) ExecuteInput(ctx context.Context, workingDir, stdin, program string, argv ...string) (Result, error) {
	return l.run(ctx, workingDir, stdin, program, argv)
}

func (l *Local) run(ctx context.Context, workingDir, stdin, program string, argv []string) (Result, error) {
	cmd := execCommandContext(ctx, program, argv...)
	cmd.Dir = workingDir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr boundedBuffer
	stdout.limit = MaxCaptureBytes
	stderr.limit = MaxCaptureBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return Result{}, fmt.Errorf("failed to launch %s: %w", program, err)
	}

	return Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// boundedBuffer discards writes past its limit so a chatty process cannot
// exhaust memory.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
