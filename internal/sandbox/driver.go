package sandbox

import (
	"context"
	"fmt"
	"strings"

	"opencopilot/internal/runner"
)

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver abstracts the container runtime. Two implementations exist: one
// over the docker CLI and one over the engine API.
type Driver interface {
	// Run starts a detached long-lived container from image with workdir
	// set to the workspace root and returns its id.
	Run(ctx context.Context, image, name string) (string, error)
	// Exec runs argv inside the container. A nonzero exit code is not an
	// error; it is reported in ExecResult.
	Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error)
	// ExecInput is Exec with stdin fed to the command.
	ExecInput(ctx context.Context, containerID string, stdin string, argv []string) (ExecResult, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// CLIDriver drives containers through the docker command-line client.
type CLIDriver struct {
	runner runner.Runner
	binary string
}

// NewCLIDriver creates a driver that shells out to the docker binary.
func NewCLIDriver(r runner.Runner) *CLIDriver {
	return &CLIDriver{runner: r, binary: "docker"}
}

func (d *CLIDriver) Run(ctx context.Context, image, name string) (string, error) {
	res, err := d.runner.Execute(ctx, "", d.binary,
		"run", "-d", "--name", name, "-w", WorkspaceRoot, image, "sleep", "infinity")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("failed to start container from %s: %s", image, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (d *CLIDriver) Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error) {
	args := append([]string{"exec", "-w", WorkspaceRoot, containerID}, argv...)
	res, err := d.runner.Execute(ctx, "", d.binary, args...)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult(res), nil
}

func (d *CLIDriver) ExecInput(ctx context.Context, containerID string, stdin string, argv []string) (ExecResult, error) {
	args := append([]string{"exec", "-i", "-w", WorkspaceRoot, containerID}, argv...)
	res, err := d.runner.ExecuteInput(ctx, "", stdin, d.binary, args...)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult(res), nil
}

func (d *CLIDriver) Stop(ctx context.Context, containerID string) error {
	res, err := d.runner.Execute(ctx, "", d.binary, "stop", containerID)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to stop container %s: %s", containerID, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (d *CLIDriver) Remove(ctx context.Context, containerID string) error {
	res, err := d.runner.Execute(ctx, "", d.binary, "rm", "-f", containerID)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to remove container %s: %s", containerID, strings.TrimSpace(res.Stderr))
	}
	return nil
}
