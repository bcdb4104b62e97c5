package pipeline

import (
	"encoding/json"
	"fmt"

	"opencopilot/internal/jobs"
	"opencopilot/internal/task"
)

// PlanPayload is the input of a Plan job, admitted from a webhook event.
type PlanPayload struct {
	TaskID         string `json:"task_id"`
	InstallationID int64  `json:"installation_id"`
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	IssueNumber    int    `json:"issue_number"`
	IssueTitle     string `json:"issue_title"`
	IssueBody      string `json:"issue_body"`
	WebhookID      string `json:"webhook_id,omitempty"`
}

// ExecutePayload is the input of an Execute job.
type ExecutePayload struct {
	TaskID string `json:"task_id"`
}

// NewPlanJob builds a Plan job. The task id anchors the fingerprint so the
// same issue cannot be planned twice concurrently.
func NewPlanJob(p PlanPayload) (*jobs.Job, error) {
	if p.TaskID == "" {
		p.TaskID = task.ID(p.Owner, p.Repo, p.IssueNumber)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan payload: %w", err)
	}
	return &jobs.Job{
		Type:     jobs.TypePlan,
		Payload:  data,
		Metadata: map[string]string{jobs.MetaTaskID: p.TaskID},
	}, nil
}

// NewExecuteJob builds an Execute job for taskID.
func NewExecuteJob(taskID string) (*jobs.Job, error) {
	data, err := json.Marshal(ExecutePayload{TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute payload: %w", err)
	}
	return &jobs.Job{
		Type:     jobs.TypeExecute,
		Payload:  data,
		Metadata: map[string]string{jobs.MetaTaskID: taskID},
	}, nil
}
