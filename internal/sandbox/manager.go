package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"opencopilot/internal/metrics"
)

// ImageType selects the sandbox base image.
type ImageType string

const (
	ImageDotNet     ImageType = "DotNet"
	ImageJavaScript ImageType = "JavaScript"
	ImageJava       ImageType = "Java"
	ImageGo         ImageType = "Go"
	ImageRust       ImageType = "Rust"
)

var baseImages = map[ImageType]string{
	ImageDotNet:     "mcr.microsoft.com/dotnet/sdk:10.0",
	ImageJavaScript: "node:20-bookworm",
	ImageJava:       "eclipse-temurin:21-jdk",
	ImageGo:         "golang:1.22-bookworm",
	ImageRust:       "rust:1-bookworm",
}

// buildTools are probed after container start. Their absence is recorded
// but never fails creation.
var buildTools = []string{"dotnet", "npm", "gradle", "mvn", "go", "cargo"}

// BotName is the git identity used for agent commits.
const BotName = "RG.OpenCopilot[bot]"

// BotEmail is the matching noreply address.
const BotEmail = "opencopilot[bot]@users.noreply.github.com"

// Commit and push failures are distinct kinds so handlers can report them
// separately.
var (
	ErrCommit = errors.New("git commit failed")
	ErrPush   = errors.New("git push failed")
)

// Manager provisions per-task containers and exposes a workspace-jailed
// filesystem and shell over a Driver.
type Manager struct {
	driver  Driver
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewManager(driver Driver, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{driver: driver, logger: logger, metrics: m}
}

// Create starts a fresh container, ensures git is present, records build
// tool availability and clones owner/repo at branch into the workspace
// root. On any failure after the container is up it is torn down before
// the error propagates.
func (m *Manager) Create(ctx context.Context, owner, repo, token, branch string, imageType ImageType) (string, error) {
	if imageType == "" {
		imageType = ImageDotNet
	}
	image, ok := baseImages[imageType]
	if !ok {
		return "", fmt.Errorf("imageType: value %q is out of range", imageType)
	}

	name := "opencopilot-" + uuid.NewString()[:8]
	containerID, err := m.driver.Run(ctx, image, name)
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}
	log := m.logger.With("container_id", containerID, "image", image)
	log.Info("sandbox container started", "repo", owner+"/"+repo, "branch", branch)

	teardown := func(cause error) error {
		if cleanupErr := m.Cleanup(context.WithoutCancel(ctx), containerID); cleanupErr != nil {
			log.Warn("teardown after failed create", "error", cleanupErr)
		}
		return cause
	}

	if err := m.ensureGit(ctx, containerID, log); err != nil {
		return "", teardown(err)
	}
	m.recordBuildTools(ctx, containerID, log)

	cloneURL := fmt.Sprintf("https://%s@github.com/%s/%s.git", token, owner, repo)
	res, err := m.driver.Exec(ctx, containerID, []string{
		"git", "clone", "--branch", branch, "--single-branch", cloneURL, ".",
	})
	if err != nil {
		return "", teardown(err)
	}
	if res.ExitCode != 0 {
		return "", teardown(fmt.Errorf("git clone failed: %s", redact(res.Stderr, token)))
	}

	if m.metrics != nil {
		m.metrics.SandboxesCreated.WithLabelValues(string(imageType)).Inc()
		m.metrics.SandboxesActive.Inc()
	}
	return containerID, nil
}

func (m *Manager) ensureGit(ctx context.Context, containerID string, log *slog.Logger) error {
	res, err := m.driver.Exec(ctx, containerID, []string{"which", "git"})
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}

	log.Info("git missing in base image, installing")
	for _, argv := range [][]string{
		{"apt-get", "update"},
		{"apt-get", "install", "-y", "git"},
	} {
		res, err := m.driver.Exec(ctx, containerID, argv)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("failed to install git: %s", strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

func (m *Manager) recordBuildTools(ctx context.Context, containerID string, log *slog.Logger) {
	for _, tool := range buildTools {
		res, err := m.driver.Exec(ctx, containerID, []string{"which", tool})
		available := err == nil && res.ExitCode == 0
		log.Debug("build tool probe", "tool", tool, "available", available)
	}
}

// Execute runs program with argv inside the container. A nonzero exit code
// is reported in the result, not as an error.
func (m *Manager) Execute(ctx context.Context, containerID, program string, argv ...string) (ExecResult, error) {
	return m.driver.Exec(ctx, containerID, append([]string{program}, argv...))
}

// ReadFile returns the content of the file at relPath.
func (m *Manager) ReadFile(ctx context.Context, containerID, relPath string) (string, error) {
	p, err := resolvePath(relPath)
	if err != nil {
		return "", err
	}
	res, err := m.execChecked(ctx, containerID, "cat", p)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// WriteFile creates parent directories and writes content to relPath. The
// payload travels over stdin so no content ever touches a shell command
// line.
func (m *Manager) WriteFile(ctx context.Context, containerID, relPath, content string) error {
	p, err := resolvePath(relPath)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("mkdir -p %s && cat > %s", quoteArg(path.Dir(p)), quoteArg(p))
	res, err := m.driver.ExecInput(ctx, containerID, content, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write %s failed: %s", relPath, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// CreateDirectory creates relPath and any missing parents.
func (m *Manager) CreateDirectory(ctx context.Context, containerID, relPath string) error {
	p, err := resolvePath(relPath)
	if err != nil {
		return err
	}
	_, err = m.execChecked(ctx, containerID, "mkdir", "-p", p)
	return err
}

// DirectoryExists reports whether relPath exists and is a directory.
func (m *Manager) DirectoryExists(ctx context.Context, containerID, relPath string) (bool, error) {
	p, err := resolvePath(relPath)
	if err != nil {
		return false, err
	}
	res, err := m.driver.Exec(ctx, containerID, []string{"test", "-d", p})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Move renames src to dst.
func (m *Manager) Move(ctx context.Context, containerID, src, dst string) error {
	from, err := resolvePath(src)
	if err != nil {
		return err
	}
	to, err := resolvePath(dst)
	if err != nil {
		return err
	}
	_, err = m.execChecked(ctx, containerID, "mv", from, to)
	return err
}

// Copy copies src to dst recursively.
func (m *Manager) Copy(ctx context.Context, containerID, src, dst string) error {
	from, err := resolvePath(src)
	if err != nil {
		return err
	}
	to, err := resolvePath(dst)
	if err != nil {
		return err
	}
	_, err = m.execChecked(ctx, containerID, "cp", "-r", from, to)
	return err
}

// Delete removes relPath; recursive deletion removes directories.
func (m *Manager) Delete(ctx context.Context, containerID, relPath string, recursive bool) error {
	p, err := resolvePath(relPath)
	if err != nil {
		return err
	}
	flags := "-f"
	if recursive {
		flags = "-rf"
	}
	_, err = m.execChecked(ctx, containerID, "rm", flags, p)
	return err
}

// ListContents returns the entries directly under relPath.
func (m *Manager) ListContents(ctx context.Context, containerID, relPath string) ([]string, error) {
	p, err := resolvePath(relPath)
	if err != nil {
		return nil, err
	}
	res, err := m.execChecked(ctx, containerID, "ls", "-A", "-1", p)
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitAndPush configures the bot identity, stages everything and, when
// the working tree is dirty, commits with message and pushes HEAD to
// branch. A clean tree short-circuits without committing or pushing.
func (m *Manager) CommitAndPush(ctx context.Context, containerID, message, owner, repo, branch, token string) error {
	remote := fmt.Sprintf("https://%s@github.com/%s/%s.git", token, owner, repo)
	for _, argv := range [][]string{
		{"git", "config", "user.name", BotName},
		{"git", "config", "user.email", BotEmail},
		{"git", "remote", "set-url", "origin", remote},
		{"git", "add", "-A"},
	} {
		if _, err := m.execChecked(ctx, containerID, argv[0], argv[1:]...); err != nil {
			return err
		}
	}

	status, err := m.execChecked(ctx, containerID, "git", "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status.Stdout) == "" {
		m.logger.Info("working tree clean, nothing to push", "container_id", containerID)
		return nil
	}

	res, err := m.driver.Exec(ctx, containerID, []string{"git", "commit", "-m", message})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s", ErrCommit, strings.TrimSpace(res.Stderr))
	}

	res, err = m.driver.Exec(ctx, containerID, []string{"git", "push", "origin", "HEAD:" + branch})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s", ErrPush, redact(res.Stderr, token))
	}
	m.logger.Info("changes pushed", "container_id", containerID, "branch", branch)
	return nil
}

// Cleanup stops and removes the container. Both operations are always
// attempted; partial failure is reported after both ran.
func (m *Manager) Cleanup(ctx context.Context, containerID string) error {
	stopErr := m.driver.Stop(ctx, containerID)
	if stopErr != nil {
		m.logger.Warn("sandbox stop failed", "container_id", containerID, "error", stopErr)
	}
	removeErr := m.driver.Remove(ctx, containerID)
	if removeErr != nil {
		m.logger.Warn("sandbox remove failed", "container_id", containerID, "error", removeErr)
	}
	if m.metrics != nil && removeErr == nil {
		m.metrics.SandboxesActive.Dec()
	}
	return errors.Join(stopErr, removeErr)
}

// execChecked runs argv and converts a nonzero exit into an error.
func (m *Manager) execChecked(ctx context.Context, containerID, program string, argv ...string) (ExecResult, error) {
	res, err := m.driver.Exec(ctx, containerID, append([]string{program}, argv...))
	if err != nil {
		return ExecResult{}, err
	}
	if res.ExitCode != 0 {
		return ExecResult{}, fmt.Errorf("%s failed (exit %d): %s", program, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

func redact(s, token string) string {
	if token == "" {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(strings.ReplaceAll(s, token, "***"))
}
