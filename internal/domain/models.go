// Package domain defines the core domain models for the local execution agent.
package domain

import (
	"encoding/json"
	"time"
)

// Run represents one end-to-end execution of a user goal.
type Run struct {
	RunID            string          `json:"run_id"`
	Status           RunStatus       `json:"status"`
	Goal             string          `json:"goal"`
	Context          json.RawMessage `json:"context,omitempty"`
	CurrentStepIndex int             `json:"current_step_index"`
	TotalSteps       int             `json:"total_steps"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Terminal reports whether the run has reached a final state.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusComplete, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Step is a single unit of work within a run, bound to exactly one tool.
type Step struct {
	StepID      string          `json:"step_id"`
	RunID       string          `json:"run_id"`
	StepIndex   int             `json:"step_index"`
	Description string          `json:"description"`
	Goal        string          `json:"goal,omitempty"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      StepStatus      `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StepResult is the authoritative outcome of one step execution.
// At most one result exists per step_id; a retried execution overwrites it.
type StepResult struct {
	ResultID    string    `json:"result_id"`
	RunID       string    `json:"run_id"`
	StepID      string    `json:"step_id"`
	StepIndex   int       `json:"step_index"`
	Success     bool      `json:"success"`
	Output      string    `json:"output,omitempty"`
	ErrorOutput string    `json:"error_output,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Synced      bool      `json:"synced"`
	CreatedAt   time.Time `json:"created_at"`
}

// SyncQueueItem is a durable outbox entry awaiting orchestrator acknowledgment.
type SyncQueueItem struct {
	QueueID       string          `json:"queue_id"`
	RunID         string          `json:"run_id"`
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	AttemptCount  int             `json:"attempt_count"`
	Status        SyncStatus      `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReportResultPayload is the payload stored in a report_result queue item.
type ReportResultPayload struct {
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id"`
	StepIndex int    `json:"step_index"`
	ResultID  string `json:"result_id"`
}

// Plan is the ordered list of steps returned by the orchestrator at run creation.
type Plan struct {
	Steps            []PlanStep `json:"steps"`
	GoalSummary      string     `json:"goal_summary,omitempty"`
	DefinitionOfDone string     `json:"definition_of_done,omitempty"`
}

// PlanStep is one step specification inside a plan.
type PlanStep struct {
	StepID      string          `json:"step_id,omitempty"`
	Description string          `json:"description"`
	Goal        string          `json:"goal,omitempty"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// Notification is a lifecycle event emitted to the calling application shell.
// Observational only; never gates correctness.
type Notification struct {
	Type      NotificationType `json:"type"`
	RunID     string           `json:"run_id"`
	StepIndex int              `json:"step_index,omitempty"`
	Message   string           `json:"message,omitempty"`
	Ts        int64            `json:"ts"`
}

// NotificationType identifies a lifecycle notification.
type NotificationType string

const (
	NotifyRunStarted    NotificationType = "run_started"
	NotifyStepCompleted NotificationType = "step_completed"
	NotifyRunFinished   NotificationType = "run_finished"
)
