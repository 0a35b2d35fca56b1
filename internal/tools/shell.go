package tools

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/xiaot623/gogo/agent/internal/approval"
	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/policy"
)

func runShell(ctx context.Context, deps Deps, step *domain.Step, args ShellArgs) Outcome {
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return failure(domain.ErrKindValidation, "shell step has no command")
	}

	decision := policy.DecisionAllow
	if deps.Policy != nil {
		var err error
		decision, err = deps.Policy.Evaluate(ctx, map[string]interface{}{
			"command":            command,
			"requires_elevation": args.RequiresElevation,
		})
		if err != nil {
			return failure(domain.ErrKindToolExecution, "policy evaluation failed: %v", err)
		}
	}

	if decision == policy.DecisionBlock {
		log.Printf("WARN: step %s command blocked by policy: %s", step.StepID, command)
		return failure(domain.ErrKindApprovalDenied, "command blocked by policy")
	}

	var secret *approval.Secret
	if decision == policy.DecisionRequireApproval || args.RequiresElevation {
		if deps.Approval == nil {
			return failure(domain.ErrKindApprovalDenied, "command requires approval but no approval channel is configured")
		}
		s, err := deps.Approval.RequestElevation(ctx, approval.Prompt{
			RunID:   step.RunID,
			StepID:  step.StepID,
			Command: command,
			Reason:  step.Goal,
		})
		if err != nil {
			if errors.Is(err, approval.ErrDenied) || errors.Is(err, approval.ErrTimedOut) {
				return failure(domain.ErrKindApprovalDenied, "%v", err)
			}
			return failure(domain.ErrKindToolExecution, "requesting approval: %v", err)
		}
		secret = s
		defer secret.Clear()
	}

	timeout := deps.ShellTimeout
	if args.TimeoutSec > 0 {
		timeout = time.Duration(args.TimeoutSec) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if secret != nil && args.RequiresElevation {
		value, err := secret.Use()
		if err != nil {
			return failure(domain.ErrKindApprovalDenied, "elevation secret unavailable: %v", err)
		}
		cmd = exec.CommandContext(cctx, "sudo", "-S", "-p", "", "bash", "-c", command)
		cmd.Stdin = strings.NewReader(value + "\n")
	} else {
		cmd = exec.CommandContext(cctx, "bash", "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return Outcome{
			Success:     false,
			Output:      stdout.String(),
			ErrorOutput: "command timed out after " + timeout.String(),
			ErrorKind:   domain.ErrKindTimeout,
		}
	}
	if err != nil {
		outcome := Outcome{
			Success:     false,
			Output:      stdout.String(),
			ErrorOutput: stderr.String(),
			ErrorKind:   domain.ErrKindToolExecution,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			outcome.ExitCode = &code
		}
		if outcome.ErrorOutput == "" {
			outcome.ErrorOutput = err.Error()
		}
		return outcome
	}

	zero := 0
	return Outcome{
		Success:     true,
		Output:      stdout.String(),
		ErrorOutput: stderr.String(),
		ExitCode:    &zero,
	}
}
