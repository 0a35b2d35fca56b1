package domain

import "fmt"

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusCreated     RunStatus = "created"
	RunStatusExecuting   RunStatus = "executing"
	RunStatusRunningTool RunStatus = "running_tool"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
)

// StepStatus represents the status of a step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
)

// SyncStatus represents the status of a sync queue item.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// OperationType constants for sync queue items.
const (
	OpReportResult = "report_result"
)

// ErrorKind classifies a step failure for upstream reporting.
type ErrorKind string

const (
	ErrKindNetwork        ErrorKind = "NetworkError"
	ErrKindAuth           ErrorKind = "AuthError"
	ErrKindValidation     ErrorKind = "ValidationError"
	ErrKindSandbox        ErrorKind = "SandboxViolation"
	ErrKindApprovalDenied ErrorKind = "ApprovalDenied"
	ErrKindToolExecution  ErrorKind = "ToolExecutionError"
	ErrKindTimeout        ErrorKind = "TimeoutError"
)

// ToolKind is the closed set of tool variants the agent can execute.
// The dispatcher switches exhaustively over these; adding a tool is a
// compile-time-checked addition, not a string-table entry.
type ToolKind int

const (
	ToolFilesystem ToolKind = iota
	ToolShell
	ToolReason
	ToolLookup
)

// String returns the wire name of the tool kind.
func (k ToolKind) String() string {
	switch k {
	case ToolFilesystem:
		return "fs"
	case ToolShell:
		return "shell"
	case ToolReason:
		return "reason"
	case ToolLookup:
		return "lookup"
	}
	return "unknown"
}

// ParseToolKind maps an orchestrator tool name to a ToolKind.
// Names carry an optional operation suffix (fs.write, fs.read, ...).
func ParseToolKind(name string) (ToolKind, error) {
	base := name
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			base = name[:i]
			break
		}
	}
	switch base {
	case "fs", "filesystem", "file":
		return ToolFilesystem, nil
	case "shell", "command", "bash":
		return ToolShell, nil
	case "reason", "think", "plan", "noop":
		return ToolReason, nil
	case "lookup", "browser", "web", "search":
		return ToolLookup, nil
	}
	return 0, fmt.Errorf("unknown tool name: %s", name)
}
