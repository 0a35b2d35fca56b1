package service

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agent/internal/domain"
)

// StartRun creates a run upstream, persists the returned plan locally
// and engages the pull loop for it. The run is durable before this
// returns; a crash afterwards is recovered by ResumeAll.
func (s *Service) StartRun(ctx context.Context, req *domain.CreateRunRequest) (*domain.Run, error) {
	resp, err := s.orch.CreateRun(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create run upstream: %w", err)
	}

	run := &domain.Run{
		RunID:      resp.RunID,
		Status:     domain.RunStatusExecuting,
		Goal:       req.Message,
		Context:    req.Context,
		TotalSteps: resp.TotalSteps,
	}
	if run.TotalSteps == 0 {
		run.TotalSteps = len(resp.Plan.Steps)
	}

	steps := make([]domain.Step, 0, len(resp.Plan.Steps))
	for i, ps := range resp.Plan.Steps {
		stepID := ps.StepID
		if stepID == "" {
			stepID = "step_" + uuid.New().String()[:8]
		}
		steps = append(steps, domain.Step{
			StepID:      stepID,
			RunID:       run.RunID,
			StepIndex:   i,
			Description: ps.Description,
			Goal:        ps.Goal,
			ToolName:    ps.ToolName,
			Args:        ps.Args,
			Status:      domain.StepStatusPending,
		})
	}

	if err := s.store.CreateRunWithPlan(ctx, run, steps); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	log.Printf("INFO: started run %s with %d steps", run.RunID, len(steps))
	s.notify(domain.Notification{Type: domain.NotifyRunStarted, RunID: run.RunID, Message: run.Goal})

	s.engage(run.RunID)
	return run, nil
}

// engage spawns the pull loop for a run unless one is already attached.
func (s *Service) engage(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[runID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.active[runID] = cancel
	go func() {
		defer s.detach(runID)
		s.pullLoop(ctx, runID)
	}()
}

func (s *Service) detach(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[runID]; ok {
		cancel()
		delete(s.active, runID)
	}
}

// CancelRun stops a run cooperatively: an in-flight tool invocation is
// allowed to finish up to its existing timeout, no further steps are
// pulled, and the run is finalized as cancelled.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	s.detach(runID)
	if err := s.store.UpdateRunStatus(ctx, runID, domain.RunStatusCancelled); err != nil {
		return fmt.Errorf("failed to mark run cancelled: %w", err)
	}

	log.Printf("INFO: cancelled run %s", runID)
	s.notify(domain.Notification{Type: domain.NotifyRunFinished, RunID: runID, Message: "cancelled"})
	return nil
}

// ResumeAll scans the store for non-terminal runs and re-engages each
// one, without re-creating anything upstream. Steps left `running` with
// no recorded result were interrupted mid-flight; they are reset to
// pending so they execute again and end up with exactly one result.
func (s *Service) ResumeAll(ctx context.Context) error {
	runs, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}

	for _, run := range runs {
		orphans, err := s.store.ListOrphanRunningSteps(ctx, run.RunID)
		if err != nil {
			return fmt.Errorf("failed to list orphan steps for run %s: %w", run.RunID, err)
		}
		for _, st := range orphans {
			log.Printf("WARN: resetting interrupted step %s (run %s, index %d) to pending", st.StepID, run.RunID, st.StepIndex)
			if err := s.store.ResetStepPending(ctx, st.StepID); err != nil {
				return fmt.Errorf("failed to reset step %s: %w", st.StepID, err)
			}
		}

		log.Printf("INFO: resuming run %s at step %d/%d", run.RunID, run.CurrentStepIndex, run.TotalSteps)
		s.engage(run.RunID)
	}
	return nil
}

// failRun finalizes a run as failed with a human-readable reason.
func (s *Service) failRun(ctx context.Context, runID, reason string) {
	if err := s.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed); err != nil {
		log.Printf("ERROR: failed to mark run %s failed: %v", runID, err)
		return
	}
	log.Printf("ERROR: run %s failed: %s", runID, reason)
	s.notify(domain.Notification{Type: domain.NotifyRunFinished, RunID: runID, Message: reason})
}
