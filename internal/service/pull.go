package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agent/internal/adapter/orchestrator"
	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/tools"
)

// pullLoop drives one run to completion: fetch the next step, execute
// it, persist the result durably, repeat. Step N+1 is never fetched
// before step N's result is on disk.
func (s *Service) pullLoop(ctx context.Context, runID string) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		next, err := s.orch.NextStep(ctx, runID)
		if err != nil {
			if errors.Is(err, orchestrator.ErrUnauthorized) {
				s.failRun(ctx, runID, "orchestrator rejected credentials")
				return
			}
			failures++
			if failures >= s.config.MaxPullFailures {
				s.failRun(context.Background(), runID, "orchestrator unreachable")
				return
			}
			delay := s.backoff.Delay(failures)
			log.Printf("WARN: next-step fetch failed for run %s (attempt %d, retrying in %s): %v", runID, failures, delay, err)
			s.sleep(delay)
			continue
		}
		failures = 0

		if next.Status == domain.NextStepComplete {
			if err := s.store.UpdateRunStatus(ctx, runID, domain.RunStatusComplete); err != nil {
				log.Printf("ERROR: failed to mark run %s complete: %v", runID, err)
			}
			log.Printf("INFO: run %s complete", runID)
			s.notify(domain.Notification{Type: domain.NotifyRunFinished, RunID: runID, Message: "complete"})
			return
		}

		step, err := s.localStep(ctx, runID, next)
		if err != nil {
			log.Printf("ERROR: failed to materialize step %d for run %s: %v", next.StepIndex, runID, err)
			s.sleep(s.backoff.Delay(1))
			continue
		}

		// A step the orchestrator re-dispatches after we already ran it
		// is answered from the stored result, not executed again.
		if step.Status == domain.StepStatusDone || step.Status == domain.StepStatusFailed {
			if err := s.replayResult(ctx, step); err != nil {
				failures++
				log.Printf("WARN: failed to replay result for step %s: %v", step.StepID, err)
				s.sleep(s.backoff.Delay(failures))
			}
			continue
		}

		s.executeStep(ctx, runID, step)
	}
}

// localStep returns the persisted step for a next-step response,
// creating it when the plan row is missing (e.g. a replanned step).
func (s *Service) localStep(ctx context.Context, runID string, next *domain.NextStepResponse) (*domain.Step, error) {
	step, err := s.store.GetStep(ctx, runID, next.StepIndex)
	if err != nil {
		return nil, err
	}
	if step != nil {
		return step, nil
	}

	stepID := next.StepID
	if stepID == "" {
		stepID = "step_" + uuid.New().String()[:8]
	}
	step = &domain.Step{
		StepID:      stepID,
		RunID:       runID,
		StepIndex:   next.StepIndex,
		Description: next.Description,
		Goal:        next.Goal,
		ToolName:    next.ToolName,
		Args:        next.Args,
		Status:      domain.StepStatusPending,
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// replayResult reports a cached result for an already-executed step.
func (s *Service) replayResult(ctx context.Context, step *domain.Step) error {
	result, err := s.store.GetResultForStep(ctx, step.StepID)
	if err != nil {
		return err
	}
	if result == nil {
		// Marked finished but no result row: re-execute.
		return s.store.ResetStepPending(ctx, step.StepID)
	}

	if _, err := s.orch.ReportResult(ctx, step.RunID, step.StepIndex, reportRequest(result)); err != nil {
		return err
	}
	return s.store.MarkResultSynced(ctx, result.ResultID)
}

// executeStep runs one step through its executor and persists the
// outcome, the sync-queue entry and the run-index advance in a single
// transaction. Execution gets its own deadline so cooperative
// cancellation lets an in-flight tool finish up to its timeout.
func (s *Service) executeStep(ctx context.Context, runID string, step *domain.Step) {
	if err := s.store.MarkStepRunning(ctx, step.StepID); err != nil {
		log.Printf("ERROR: failed to mark step %s running: %v", step.StepID, err)
		return
	}
	// Guarded transitions: a run cancelled while the step is in flight
	// keeps its terminal status, only its result is still persisted.
	if _, err := s.store.UpdateRunStatusIf(ctx, runID, domain.RunStatusExecuting, domain.RunStatusRunningTool); err != nil {
		log.Printf("WARN: failed to mark run %s running_tool: %v", runID, err)
	}

	execTimeout := s.config.ToolTimeout
	if kind, err := domain.ParseToolKind(step.ToolName); err == nil && kind == domain.ToolShell {
		execTimeout = s.config.ShellTimeout
	}
	execCtx, cancel := context.WithTimeout(context.Background(), execTimeout+time.Second)
	defer cancel()

	started := time.Now()
	outcome := tools.Execute(execCtx, s.toolDeps, step)

	result := outcomeResult(step, outcome, time.Since(started))
	queueItem := resultQueueItem(result)

	stepStatus := domain.StepStatusDone
	if !outcome.Success {
		stepStatus = domain.StepStatusFailed
	}

	// Persist with a fresh context: a cancelled run must still keep the
	// result of the invocation it allowed to finish.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()

	if err := s.store.CompleteStepWithResult(persistCtx, stepStatus, result, queueItem, step.StepIndex+1); err != nil {
		log.Printf("ERROR: failed to persist result for step %s: %v", step.StepID, err)
		return
	}
	if _, err := s.store.UpdateRunStatusIf(persistCtx, runID, domain.RunStatusRunningTool, domain.RunStatusExecuting); err != nil {
		log.Printf("WARN: failed to mark run %s executing: %v", runID, err)
	}

	log.Printf("INFO: step %d of run %s finished (success=%v, %dms)", step.StepIndex, runID, outcome.Success, result.DurationMs)
	s.notify(domain.Notification{
		Type:      domain.NotifyStepCompleted,
		RunID:     runID,
		StepIndex: step.StepIndex,
		Message:   step.Description,
	})
}

func outcomeResult(step *domain.Step, outcome tools.Outcome, elapsed time.Duration) *domain.StepResult {
	return &domain.StepResult{
		ResultID:    "res_" + uuid.New().String()[:8],
		RunID:       step.RunID,
		StepID:      step.StepID,
		StepIndex:   step.StepIndex,
		Success:     outcome.Success,
		Output:      outcome.Output,
		ErrorOutput: outcome.ErrorOutput,
		ErrorKind:   outcome.ErrorKind,
		ExitCode:    outcome.ExitCode,
		DurationMs:  elapsed.Milliseconds(),
	}
}

// resultQueueItem builds the durable outbox entry for a result. Failed
// results sync at a higher priority so the orchestrator can replan
// sooner.
func resultQueueItem(result *domain.StepResult) *domain.SyncQueueItem {
	payload, _ := json.Marshal(domain.ReportResultPayload{
		RunID:     result.RunID,
		StepID:    result.StepID,
		StepIndex: result.StepIndex,
		ResultID:  result.ResultID,
	})
	priority := 0
	if !result.Success {
		priority = 1
	}
	return &domain.SyncQueueItem{
		QueueID:       "sq_" + uuid.New().String()[:8],
		RunID:         result.RunID,
		OperationType: domain.OpReportResult,
		Payload:       payload,
		Priority:      priority,
		Status:        domain.SyncStatusPending,
	}
}

func reportRequest(result *domain.StepResult) *domain.ReportResultRequest {
	req := &domain.ReportResultRequest{
		Success:  result.Success,
		Output:   result.Output,
		Stderr:   result.ErrorOutput,
		ExitCode: result.ExitCode,
	}
	if result.ErrorKind != "" {
		req.Error = string(result.ErrorKind)
	}
	return req
}
