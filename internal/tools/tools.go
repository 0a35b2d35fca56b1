// Package tools implements the executors for each tool kind the agent
// can run, and the exhaustive dispatch over them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/agent/internal/approval"
	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/policy"
)

// Deps carries the collaborators tool execution needs. Executors hold no
// state of their own between invocations.
type Deps struct {
	Sandbox      *Sandbox
	Policy       *policy.Engine
	Approval     *approval.Client
	ShellTimeout time.Duration
}

// Outcome is a StepResult-shaped execution outcome. Failures are data,
// not panics: every outcome is recorded and reported upstream.
type Outcome struct {
	Success     bool
	Output      string
	ErrorOutput string
	ErrorKind   domain.ErrorKind
	ExitCode    *int
}

func failure(kind domain.ErrorKind, format string, args ...interface{}) Outcome {
	return Outcome{
		Success:     false,
		ErrorOutput: fmt.Sprintf(format, args...),
		ErrorKind:   kind,
	}
}

// FilesystemArgs are the arguments of a filesystem step.
type FilesystemArgs struct {
	Op      string `json:"op,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// ShellArgs are the arguments of a shell step.
type ShellArgs struct {
	Command           string `json:"command,omitempty"`
	RequiresElevation bool   `json:"requires_elevation,omitempty"`
	TimeoutSec        int    `json:"timeout_sec,omitempty"`
}

// ReasonArgs are the arguments of a passive/reasoning step.
type ReasonArgs struct {
	Output string `json:"output,omitempty"`
}

// LookupArgs are the arguments of a browser/lookup step.
type LookupArgs struct {
	URL   string `json:"url,omitempty"`
	Query string `json:"query,omitempty"`
}

// Execute dispatches a step to its executor. The switch over ToolKind is
// exhaustive: a new tool kind fails to compile until it is handled here.
func Execute(ctx context.Context, deps Deps, step *domain.Step) Outcome {
	kind, err := domain.ParseToolKind(step.ToolName)
	if err != nil {
		return failure(domain.ErrKindValidation, "%v", err)
	}

	switch kind {
	case domain.ToolFilesystem:
		var args FilesystemArgs
		if err := decodeArgs(step.Args, &args); err != nil {
			return failure(domain.ErrKindValidation, "invalid filesystem args: %v", err)
		}
		return runFilesystem(deps, step, args)
	case domain.ToolShell:
		var args ShellArgs
		if err := decodeArgs(step.Args, &args); err != nil {
			return failure(domain.ErrKindValidation, "invalid shell args: %v", err)
		}
		return runShell(ctx, deps, step, args)
	case domain.ToolReason:
		var args ReasonArgs
		if err := decodeArgs(step.Args, &args); err != nil {
			return failure(domain.ErrKindValidation, "invalid reason args: %v", err)
		}
		return runReason(step, args)
	case domain.ToolLookup:
		var args LookupArgs
		if err := decodeArgs(step.Args, &args); err != nil {
			return failure(domain.ErrKindValidation, "invalid lookup args: %v", err)
		}
		return runLookup(ctx, step, args)
	}
	return failure(domain.ErrKindValidation, "unhandled tool kind: %s", kind)
}

func decodeArgs(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// toolOperation returns the operation suffix of a tool name
// ("fs.write" -> "write"), or "" when the name has no suffix.
func toolOperation(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}
