package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"opencopilot/internal/forge"
)

// InstructionsLoader probes the repository for agent instructions. Probe
// order: an issue-specific file, then shared instructions, then the
// directory README. The first non-empty hit wins.
type InstructionsLoader struct {
	forge  forge.Client
	logger *slog.Logger
}

func NewInstructionsLoader(fc forge.Client, logger *slog.Logger) *InstructionsLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstructionsLoader{forge: fc, logger: logger}
}

// Load returns the instructions markdown or "" when none exist. A
// transport error on one candidate path does not abort the probe.
func (l *InstructionsLoader) Load(ctx context.Context, owner, repo string, issue int) (string, error) {
	paths := []string{
		fmt.Sprintf(".github/open-copilot/%d.md", issue),
		".github/open-copilot/instructions.md",
		".github/open-copilot/README.md",
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		contents, err := l.forge.GetRepositoryContents(ctx, owner, repo, path)
		if err != nil {
			if !errors.Is(err, forge.ErrNotFound) {
				l.logger.Warn("instructions probe failed, trying next path", "path", path, "error", err)
			}
			continue
		}
		for _, c := range contents {
			if strings.TrimSpace(c.Decoded) != "" {
				return c.Decoded, nil
			}
		}
	}
	return "", nil
}
