package pipeline

import (
	"context"
	"fmt"
	"strings"

	"opencopilot/internal/forge"
	"opencopilot/internal/sandbox"
)

// RepoAnalyzer derives a coarse repository summary and a sandbox image
// type from the repository's top-level contents.
type RepoAnalyzer struct {
	forge forge.Client
}

func NewRepoAnalyzer(fc forge.Client) *RepoAnalyzer {
	return &RepoAnalyzer{forge: fc}
}

// Analyze returns a prose summary of the repository layout for the planner
// prompt. Callers treat failure as "no summary".
func (a *RepoAnalyzer) Analyze(ctx context.Context, owner, repo string) (string, error) {
	entries, err := a.forge.GetRepositoryContents(ctx, owner, repo, "")
	if err != nil {
		return "", fmt.Errorf("failed to list repository root: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name
		if e.Type == "dir" {
			name += "/"
		}
		names = append(names, name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Top-level entries of %s/%s: %s.", owner, repo, strings.Join(names, ", "))
	if stack := stackName(entries); stack != "" {
		fmt.Fprintf(&b, " The repository appears to be a %s project.", stack)
	}
	return b.String(), nil
}

// DetectImageType picks the sandbox base image from build-file markers at
// the repository root. Unknown layouts default to DotNet.
func (a *RepoAnalyzer) DetectImageType(ctx context.Context, owner, repo string) sandbox.ImageType {
	entries, err := a.forge.GetRepositoryContents(ctx, owner, repo, "")
	if err != nil {
		return sandbox.ImageDotNet
	}
	return detectImageType(entries)
}

func detectImageType(entries []forge.Content) sandbox.ImageType {
	for _, e := range entries {
		switch {
		case e.Name == "go.mod":
			return sandbox.ImageGo
		case e.Name == "Cargo.toml":
			return sandbox.ImageRust
		case e.Name == "package.json":
			return sandbox.ImageJavaScript
		case e.Name == "pom.xml", e.Name == "build.gradle", e.Name == "build.gradle.kts":
			return sandbox.ImageJava
		case strings.HasSuffix(e.Name, ".sln"), strings.HasSuffix(e.Name, ".csproj"):
			return sandbox.ImageDotNet
		}
	}
	return sandbox.ImageDotNet
}

func stackName(entries []forge.Content) string {
	switch detectImageType(entries) {
	case sandbox.ImageGo:
		return "Go"
	case sandbox.ImageRust:
		return "Rust"
	case sandbox.ImageJavaScript:
		return "JavaScript"
	case sandbox.ImageJava:
		return "Java"
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name, ".sln") || strings.HasSuffix(e.Name, ".csproj") {
			return ".NET"
		}
	}
	return ""
}
