package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// CommandChecker is a Checker that runs a fixed command in the sandbox and
// treats a zero exit as passing. The combined output becomes the report.
type CommandChecker struct {
	sandbox Sandbox
	program string
	argv    []string
}

func NewCommandChecker(sb Sandbox, program string, argv ...string) *CommandChecker {
	return &CommandChecker{sandbox: sb, program: program, argv: argv}
}

func (c *CommandChecker) Check(ctx context.Context, containerID string) (bool, string, error) {
	res, err := c.sandbox.Execute(ctx, containerID, c.program, c.argv...)
	if err != nil {
		return false, "", fmt.Errorf("check command failed to run: %w", err)
	}
	if res.ExitCode == 0 {
		return true, "", nil
	}
	report := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
	return false, fmt.Sprintf("`%s %s` exited with %d:\n%s", c.program, strings.Join(c.argv, " "), res.ExitCode, report), nil
}
