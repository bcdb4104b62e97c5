package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"opencopilot/internal/sandbox"
)

// APIClient defines the subset of Docker API methods we use.
// This allows for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Driver implements sandbox.Driver over the Docker Engine API.
type Driver struct {
	api APIClient
}

// NewDriver creates a driver speaking to the daemon configured by the
// environment.
func NewDriver() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Driver{api: cli}, nil
}

// Close closes the underlying client connection.
func (d *Driver) Close() error {
	return d.api.Close()
}

// CheckDaemon verifies that the Docker daemon is reachable.
func (d *Driver) CheckDaemon(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

// Run pulls image best-effort, then creates and starts a detached
// long-lived container with workdir set to the workspace root.
func (d *Driver) Run(ctx context.Context, imageRef, name string) (string, error) {
	if reader, err := d.api.ImagePull(ctx, imageRef, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	resp, err := d.api.ContainerCreate(ctx,
		&container.Config{
			Image:      imageRef,
			OpenStdin:  true,
			WorkingDir: sandbox.WorkspaceRoot,
			Cmd:        []string{"sleep", "infinity"},
		},
		&container.HostConfig{}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

// Exec runs argv in the container and demultiplexes stdout/stderr. The
// command's exit code comes from exec inspect after the stream drains.
func (d *Driver) Exec(ctx context.Context, containerID string, argv []string) (sandbox.ExecResult, error) {
	return d.exec(ctx, containerID, "", argv)
}

// ExecInput is Exec with stdin fed to the command.
func (d *Driver) ExecInput(ctx context.Context, containerID string, stdin string, argv []string) (sandbox.ExecResult, error) {
	return d.exec(ctx, containerID, stdin, argv)
}

func (d *Driver) exec(ctx context.Context, containerID, stdin string, argv []string) (sandbox.ExecResult, error) {
	execConfig := container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   sandbox.WorkspaceRoot,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	}

	created, err := d.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	if stdin != "" {
		if _, err := io.WriteString(resp.Conn, stdin); err != nil {
			return sandbox.ExecResult{}, fmt.Errorf("failed to write exec stdin: %w", err)
		}
		resp.CloseWrite()
	}

	// Tty is off in ExecOptions, so the stream is multiplexed.
	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader); err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("failed to copy exec output: %w", err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
	}, nil
}

// Stop stops the container with the default grace period.
func (d *Driver) Stop(ctx context.Context, containerID string) error {
	if err := d.api.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove force-removes the container.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	if err := d.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

var _ sandbox.Driver = (*Driver)(nil)
