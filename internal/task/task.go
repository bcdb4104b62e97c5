package task

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an agent task.
type Status string

const (
	StatusPendingPlanning Status = "PendingPlanning"
	StatusPlanning        Status = "Planning"
	StatusPlanned         Status = "Planned"
	StatusExecuting       Status = "Executing"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	StatusCancelled       Status = "Cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from prev to next is legal.
// Forward order is PendingPlanning → Planning → Planned → Executing →
// Completed. Any state may fail; any non-terminal state may be cancelled.
// A task never regresses.
func CanTransition(prev, next Status) bool {
	if prev == next {
		return false
	}
	if next == StatusFailed {
		return true
	}
	if next == StatusCancelled {
		return !prev.IsTerminal()
	}
	switch prev {
	case StatusPendingPlanning:
		return next == StatusPlanning
	case StatusPlanning:
		return next == StatusPlanned
	case StatusPlanned:
		return next == StatusExecuting
	case StatusExecuting:
		return next == StatusCompleted
	}
	return false
}

// Step is a single planned modification, executed in the sandbox.
type Step struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Details string `json:"details"`
	Done    bool   `json:"done"`
}

// Plan is the ordered sequence of steps the agent intends to perform.
// Step ids are unique within a plan and step order is stable.
type Plan struct {
	ProblemSummary string   `json:"problem_summary"`
	Steps          []Step   `json:"steps"`
	Checklist      []string `json:"checklist"`
	Constraints    []string `json:"constraints"`
}

// Validate checks the plan invariants.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan step %q has empty id", s.Title)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate plan step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Task is the unit of work scoped to one repository issue.
type Task struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Repo           string     `json:"repo"`
	IssueNumber    int        `json:"issue_number"`
	InstallationID int64      `json:"installation_id"`
	Status         Status     `json:"status"`
	Plan           *Plan      `json:"plan,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// ID builds the canonical task identity for an issue.
func ID(owner, repo string, issue int) string {
	return fmt.Sprintf("%s/%s/issues/%d", owner, repo, issue)
}

// New creates a task in PendingPlanning.
func New(owner, repo string, issue int, installationID int64, now time.Time) *Task {
	return &Task{
		ID:             ID(owner, repo, issue),
		Owner:          owner,
		Repo:           repo,
		IssueNumber:    issue,
		InstallationID: installationID,
		Status:         StatusPendingPlanning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the task to next, enforcing the legality table.
func (t *Task) Transition(next Status, now time.Time) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("illegal task transition %s -> %s for %s", t.Status, next, t.ID)
	}
	t.Status = next
	t.UpdatedAt = now
	if next.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}
