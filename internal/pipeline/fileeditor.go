package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"opencopilot/internal/agent"
	"opencopilot/internal/task"
)

// LMFileEditor applies a plan step by asking the model which files to
// touch, generating each file's new content, and writing it through the
// sandbox.
type LMFileEditor struct {
	client   agent.Client
	executor *agent.Executor
	sandbox  Sandbox
	logger   *slog.Logger
}

func NewLMFileEditor(client agent.Client, executor *agent.Executor, sb Sandbox, logger *slog.Logger) *LMFileEditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LMFileEditor{client: client, executor: executor, sandbox: sb, logger: logger}
}

type fileTarget struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (e *LMFileEditor) Apply(ctx context.Context, containerID string, step task.Step, ec EditContext) error {
	targets, err := e.selectFiles(ctx, step, ec)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("model named no files for step %s", step.ID)
	}

	for _, target := range targets {
		existing, err := e.sandbox.ReadFile(ctx, containerID, target.Path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			existing = "" // new file
		}

		content, err := e.executor.GenerateCode(ctx, agent.CodeRequest{
			Step:         step,
			FilePath:     target.Path,
			ExistingCode: existing,
			Constraints:  ec.Constraints,
		})
		if err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}

		if err := e.sandbox.WriteFile(ctx, containerID, target.Path, content); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
		e.logger.Info("file written", "step", step.ID, "path", target.Path)
	}
	return nil
}

func (e *LMFileEditor) selectFiles(ctx context.Context, step task.Step, ec EditContext) ([]fileTarget, error) {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent. Name the files to create or modify for the step below.\n\n")
	if ec.ProblemSummary != "" {
		fmt.Fprintf(&b, "Overall goal: %s\n\n", ec.ProblemSummary)
	}
	fmt.Fprintf(&b, "Step %s: %s\n%s\n", step.ID, step.Title, step.Details)
	b.WriteString(`
Respond with ONLY a JSON array, paths relative to the repository root:
[{"path": "src/file.ext", "reason": "why"}]
Name at most 5 files.`)

	response, err := e.client.Send(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("file selection failed for step %s: %w", step.ID, err)
	}

	var targets []fileTarget
	if err := json.Unmarshal([]byte(agent.CleanJSON(response)), &targets); err != nil {
		return nil, fmt.Errorf("failed to parse file selection for step %s: %w", step.ID, err)
	}
	if len(targets) > 5 {
		targets = targets[:5]
	}
	return targets, nil
}
