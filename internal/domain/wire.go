package domain

import "encoding/json"

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Message string          `json:"message"`
	Mode    string          `json:"mode,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
}

// CreateRunResponse is the orchestrator's answer to run creation.
type CreateRunResponse struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	TotalSteps int    `json:"total_steps"`
	Plan       Plan   `json:"plan"`
}

// Next-step response status values.
const (
	NextStepReady    = "ready"
	NextStepComplete = "complete"
)

// NextStepResponse is the orchestrator's answer to GET /runs/{run_id}/next-step.
type NextStepResponse struct {
	Status      string          `json:"status"`
	StepID      string          `json:"step_id,omitempty"`
	StepIndex   int             `json:"step_index"`
	TotalSteps  int             `json:"total_steps"`
	ToolName    string          `json:"tool_name,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
	Goal        string          `json:"goal,omitempty"`
}

// ReportResultRequest is the body of POST /runs/{run_id}/steps/{step_index}/result.
type ReportResultRequest struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReportResultResponse acknowledges a reported result.
type ReportResultResponse struct {
	Status string `json:"status"`
}

// RunSnapshot is the full run state returned by GET /runs/{run_id}.
type RunSnapshot struct {
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	CurrentStepIndex int    `json:"current_step_index"`
	TotalSteps       int    `json:"total_steps"`
	Plan             Plan   `json:"plan"`
}

// ToolRequestEvent is a work item delivered over the push channel.
type ToolRequestEvent struct {
	Type              string          `json:"type"`
	RequestID         string          `json:"request_id"`
	RunID             string          `json:"run_id"`
	Step              int             `json:"step"`
	Tool              string          `json:"tool"`
	Command           string          `json:"command,omitempty"`
	Args              json.RawMessage `json:"args,omitempty"`
	Description       string          `json:"description,omitempty"`
	RequiresElevation bool            `json:"requires_elevation,omitempty"`
	TimeoutSec        int             `json:"timeout_sec,omitempty"`
}

// PushResultRequest is the body submitted for a push-channel work item.
// Headers carry the bearer device token, the HMAC signature, and the
// originating request id.
type PushResultRequest struct {
	RequestID string          `json:"request_id"`
	RunID     string          `json:"run_id"`
	Step      int             `json:"step"`
	Tool      string          `json:"tool"`
	Success   bool            `json:"success"`
	Output    string          `json:"output,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}
