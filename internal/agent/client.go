package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Client sends a prompt to a language model and returns the generated text.
type Client interface {
	Send(ctx context.Context, prompt string) (string, error)
}

// MockClient implements Client for testing.
type MockClient struct {
	SendFunc func(ctx context.Context, prompt string) (string, error)
	Prompts  []string
}

func (m *MockClient) Send(ctx context.Context, prompt string) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, prompt)
	}
	return "", fmt.Errorf("no mock response configured")
}

var (
	fencedJSON = regexp.MustCompile("(?s)```json(.*?)```")
	fencedAny  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
)

// CleanJSON strips markdown code fences the model tends to wrap payloads in.
func CleanJSON(input string) string {
	if match := fencedJSON.FindStringSubmatch(input); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	if match := fencedAny.FindStringSubmatch(input); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return strings.TrimSpace(input)
}
