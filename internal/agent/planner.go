package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"opencopilot/internal/task"
)

// PlanContext is everything the planner knows about the issue.
type PlanContext struct {
	Owner             string
	Repo              string
	IssueNumber       int
	IssueTitle        string
	IssueBody         string
	RepositorySummary string
	Instructions      string
}

// Planner turns an issue into an ordered plan of steps.
type Planner struct {
	client Client
}

func NewPlanner(client Client) *Planner {
	return &Planner{client: client}
}

// CreatePlan asks the model for a plan and parses it. The response must be
// a JSON object matching the plan shape; markdown fences are tolerated.
func (p *Planner) CreatePlan(ctx context.Context, pc PlanContext) (*task.Plan, error) {
	prompt := buildPlanPrompt(pc)

	response, err := p.client.Send(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("planner model call failed: %w", err)
	}

	cleaned := CleanJSON(response)
	var plan task.Plan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan response: %w\nResponse: %s", err, response)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("model produced an invalid plan: %w", err)
	}
	return &plan, nil
}

func buildPlanPrompt(pc PlanContext) string {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent. Produce an implementation plan for the issue below.\n\n")
	fmt.Fprintf(&b, "Repository: %s/%s\n", pc.Owner, pc.Repo)
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n", pc.IssueNumber, pc.IssueTitle, pc.IssueBody)

	if pc.RepositorySummary != "" {
		b.WriteString("\nRepository overview:\n")
		b.WriteString(pc.RepositorySummary)
		b.WriteString("\n")
	}
	if pc.Instructions != "" {
		b.WriteString("\nRepository-specific agent instructions:\n")
		b.WriteString(pc.Instructions)
		b.WriteString("\n")
	}

	b.WriteString(`
Respond with ONLY a JSON object of this shape:
{
  "problem_summary": "one paragraph",
  "steps": [{"id": "1", "title": "short title", "details": "what to change and where"}],
  "checklist": ["verification item"],
  "constraints": ["constraint to respect"]
}
Step ids must be unique. Order the steps so each builds on the previous ones.`)
	return b.String()
}
