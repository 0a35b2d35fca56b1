package service

import (
	"context"
	"log"
	"time"

	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/tools"
)

// ExecutePushed handles a work item delivered over the push channel. It
// shares the pull loop's executor and persistence path: the result is
// durable locally before the push client submits it, and a re-delivered
// request id is answered from the stored result without re-executing.
func (s *Service) ExecutePushed(ctx context.Context, ev domain.ToolRequestEvent, step *domain.Step) *domain.StepResult {
	existing, err := s.store.GetStepByID(ctx, step.StepID)
	if err != nil {
		log.Printf("ERROR: failed to look up pushed step %s: %v", step.StepID, err)
		return nil
	}
	if existing != nil {
		cached, err := s.store.GetResultForStep(ctx, step.StepID)
		if err != nil {
			log.Printf("ERROR: failed to load cached result for step %s: %v", step.StepID, err)
			return nil
		}
		if cached != nil {
			log.Printf("INFO: replaying cached result for pushed request %s", ev.RequestID)
			return cached
		}
	} else {
		if err := s.ensurePushRun(ctx, ev); err != nil {
			log.Printf("ERROR: failed to materialize run %s for pushed request: %v", ev.RunID, err)
			return nil
		}
		if err := s.store.CreateStep(ctx, step); err != nil {
			log.Printf("ERROR: failed to persist pushed step %s: %v", step.StepID, err)
			return nil
		}
	}

	if err := s.store.MarkStepRunning(ctx, step.StepID); err != nil {
		log.Printf("ERROR: failed to mark pushed step %s running: %v", step.StepID, err)
		return nil
	}

	execTimeout := s.config.ToolTimeout
	if ev.TimeoutSec > 0 {
		execTimeout = time.Duration(ev.TimeoutSec) * time.Second
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

	if err := s.store.CompleteStepWithResult(ctx, stepStatus, result, queueItem, step.StepIndex+1); err != nil {
		log.Printf("ERROR: failed to persist pushed result for step %s: %v", step.StepID, err)
		return nil
	}

	s.mu.Lock()
	s.pushQueue[result.ResultID] = queueItem.QueueID
	s.mu.Unlock()

	s.notify(domain.Notification{
		Type:      domain.NotifyStepCompleted,
		RunID:     ev.RunID,
		StepIndex: step.StepIndex,
		Message:   step.Description,
	})
	return result
}

// MarkSubmitted retires a pushed result's outbox entry after the push
// client's signed submission succeeded, so the reconciler does not
// report it a second time.
func (s *Service) MarkSubmitted(ctx context.Context, result *domain.StepResult) {
	s.mu.Lock()
	queueID, ok := s.pushQueue[result.ResultID]
	delete(s.pushQueue, result.ResultID)
	s.mu.Unlock()

	if !ok {
		// Replayed cached result; its queue entry was retired earlier.
		if err := s.store.MarkResultSynced(ctx, result.ResultID); err != nil {
			log.Printf("WARN: failed to mark result %s synced: %v", result.ResultID, err)
		}
		return
	}
	if err := s.store.MarkSyncCompleted(ctx, queueID, result.ResultID); err != nil {
		log.Printf("ERROR: failed to retire sync item %s after push submit: %v", queueID, err)
	}
}

// ensurePushRun creates a minimal local run row for a push-channel
// request whose run was never seen through the pull path.
func (s *Service) ensurePushRun(ctx context.Context, ev domain.ToolRequestEvent) error {
	run, err := s.store.GetRun(ctx, ev.RunID)
	if err != nil {
		return err
	}
	if run != nil {
		return nil
	}
	return s.store.CreateRunWithPlan(ctx, &domain.Run{
		RunID:  ev.RunID,
		Status: domain.RunStatusExecuting,
		Goal:   ev.Description,
	}, nil)
}
