package sandbox

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// WorkspaceRoot is the single directory under which all sandbox paths live.
const WorkspaceRoot = "/workspace"

// ErrPathEscape is returned when a path resolves outside the workspace root.
var ErrPathEscape = errors.New("outside the workspace directory")

// resolvePath normalizes a caller-supplied path and jails it under the
// workspace root. The host may be Windows, so backslashes are converted
// first; the container only ever sees forward-slash paths.
func resolvePath(raw string) (string, error) {
	s := strings.ReplaceAll(raw, "\\", "/")
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("path is null or empty")
	}
	s = strings.TrimLeft(s, "/")

	resolved := path.Join(WorkspaceRoot, s)
	if resolved != WorkspaceRoot && !strings.HasPrefix(resolved, WorkspaceRoot+"/") {
		return "", fmt.Errorf("path %q resolves %w", raw, ErrPathEscape)
	}
	return resolved, nil
}

// quoteArg single-quotes s for use inside a shell command line. Any literal
// single quote becomes the four-character sequence quote-backslash-quote-quote.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
