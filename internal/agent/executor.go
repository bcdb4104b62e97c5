package agent

import (
	"context"
	"fmt"
	"strings"

	"opencopilot/internal/task"
)

// CodeRequest describes one step's worth of code generation.
type CodeRequest struct {
	Step         task.Step
	FilePath     string
	ExistingCode string
	Constraints  []string
}

// Executor generates code for individual plan steps.
type Executor struct {
	client Client
}

func NewExecutor(client Client) *Executor {
	return &Executor{client: client}
}

// GenerateCode asks the model for the full new content of a file. The
// response is returned verbatim with surrounding markdown fences removed.
func (e *Executor) GenerateCode(ctx context.Context, req CodeRequest) (string, error) {
	prompt := buildCodePrompt(req)

	response, err := e.client.Send(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("executor model call failed: %w", err)
	}

	code := CleanJSON(response)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("model returned empty code for step %s", req.Step.ID)
	}
	return code, nil
}

func buildCodePrompt(req CodeRequest) string {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent executing one step of an approved plan.\n\n")
	fmt.Fprintf(&b, "Step %s: %s\n%s\n", req.Step.ID, req.Step.Title, req.Step.Details)

	if req.FilePath != "" {
		fmt.Fprintf(&b, "\nTarget file: %s\n", req.FilePath)
	}
	if req.ExistingCode != "" {
		b.WriteString("\nCurrent file content:\n```\n")
		b.WriteString(req.ExistingCode)
		b.WriteString("\n```\n")
	}
	for _, c := range req.Constraints {
		fmt.Fprintf(&b, "Constraint: %s\n", c)
	}

	b.WriteString("\nRespond with ONLY the complete new file content. No commentary.")
	return b.String()
}
