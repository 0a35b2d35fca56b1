package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/gogo/agent/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRun(t *testing.T, store *SQLiteStore, runID string, toolNames ...string) []domain.Step {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	run := &domain.Run{
		RunID:      runID,
		Status:     domain.RunStatusExecuting,
		Goal:       "test goal",
		TotalSteps: len(toolNames),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	steps := make([]domain.Step, 0, len(toolNames))
	for i, tool := range toolNames {
		steps = append(steps, domain.Step{
			StepID:      runID + "_st" + string(rune('0'+i)),
			RunID:       runID,
			StepIndex:   i,
			Description: "step " + tool,
			ToolName:    tool,
			Args:        json.RawMessage(`{}`),
			Status:      domain.StepStatusPending,
		})
	}
	if err := store.CreateRunWithPlan(ctx, run, steps); err != nil {
		t.Fatalf("CreateRunWithPlan failed: %v", err)
	}
	return steps
}

func TestCreateRunWithPlanAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "r1", "fs.write", "fs.read")

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run == nil || run.Status != domain.RunStatusExecuting || run.TotalSteps != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}

	missing, err := store.GetRun(ctx, "nope")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing run, got %+v", missing)
	}
}

func TestGetNextPendingStepOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := seedRun(t, store, "r1", "fs.write", "fs.read", "shell")

	next, err := store.GetNextPendingStep(ctx, "r1")
	if err != nil {
		t.Fatalf("GetNextPendingStep failed: %v", err)
	}
	if next == nil || next.StepIndex != 0 {
		t.Fatalf("expected step 0, got %+v", next)
	}

	// Complete step 0; next pending must be step 1, never step 0 again.
	res := &domain.StepResult{
		ResultID:  "res0",
		RunID:     "r1",
		StepID:    steps[0].StepID,
		StepIndex: 0,
		Success:   true,
		Output:    "ok",
		CreatedAt: time.Now(),
	}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, res, nil, 1); err != nil {
		t.Fatalf("CompleteStepWithResult failed: %v", err)
	}

	next, err = store.GetNextPendingStep(ctx, "r1")
	if err != nil {
		t.Fatalf("GetNextPendingStep failed: %v", err)
	}
	if next == nil || next.StepIndex != 1 {
		t.Fatalf("expected step 1, got %+v", next)
	}

	run, _ := store.GetRun(ctx, "r1")
	if run.CurrentStepIndex != 1 {
		t.Fatalf("expected current_step_index 1, got %d", run.CurrentStepIndex)
	}
}

func TestCompleteStepWithResultAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := seedRun(t, store, "r1", "shell")

	payload, _ := json.Marshal(domain.ReportResultPayload{
		RunID: "r1", StepID: steps[0].StepID, StepIndex: 0, ResultID: "res1",
	})
	exitCode := 0
	res := &domain.StepResult{
		ResultID:   "res1",
		RunID:      "r1",
		StepID:     steps[0].StepID,
		StepIndex:  0,
		Success:    true,
		Output:     "hello",
		ExitCode:   &exitCode,
		DurationMs: 42,
		CreatedAt:  time.Now(),
	}
	item := &domain.SyncQueueItem{
		QueueID:       "sq1",
		RunID:         "r1",
		OperationType: domain.OpReportResult,
		Payload:       payload,
		Status:        domain.SyncStatusPending,
		CreatedAt:     time.Now(),
	}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, res, item, 1); err != nil {
		t.Fatalf("CompleteStepWithResult failed: %v", err)
	}

	got, err := store.GetResultForStep(ctx, steps[0].StepID)
	if err != nil {
		t.Fatalf("GetResultForStep failed: %v", err)
	}
	if got == nil || !got.Success || got.Output != "hello" || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Synced {
		t.Fatalf("result must not be synced before acknowledgment")
	}

	pending, err := store.GetPendingSyncs(ctx, 10)
	if err != nil {
		t.Fatalf("GetPendingSyncs failed: %v", err)
	}
	if len(pending) != 1 || pending[0].QueueID != "sq1" {
		t.Fatalf("unexpected pending syncs: %+v", pending)
	}

	step, _ := store.GetStepByID(ctx, steps[0].StepID)
	if step.Status != domain.StepStatusDone || step.CompletedAt == nil {
		t.Fatalf("unexpected step after completion: %+v", step)
	}
}

func TestResultWriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := seedRun(t, store, "r1", "shell")

	first := &domain.StepResult{
		ResultID: "resA", RunID: "r1", StepID: steps[0].StepID, StepIndex: 0,
		Success: false, ErrorOutput: "boom", ErrorKind: domain.ErrKindToolExecution,
		CreatedAt: time.Now(),
	}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusFailed, first, nil, 1); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	// A retried execution of the same step overwrites rather than duplicates.
	second := &domain.StepResult{
		ResultID: "resA", RunID: "r1", StepID: steps[0].StepID, StepIndex: 0,
		Success: true, Output: "recovered",
		CreatedAt: time.Now(),
	}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, second, nil, 1); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	got, _ := store.GetResultForStep(ctx, steps[0].StepID)
	if got == nil || !got.Success || got.Output != "recovered" {
		t.Fatalf("expected overwritten result, got %+v", got)
	}

	unsynced, err := store.GetUnsyncedResults(ctx, "r1")
	if err != nil {
		t.Fatalf("GetUnsyncedResults failed: %v", err)
	}
	if len(unsynced) != 1 {
		t.Fatalf("expected exactly 1 result row, got %d", len(unsynced))
	}
}

func TestSyncQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := seedRun(t, store, "r1", "fs.write", "fs.read")

	for i, st := range steps {
		res := &domain.StepResult{
			ResultID: "res" + st.StepID, RunID: "r1", StepID: st.StepID, StepIndex: i,
			Success: true, CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		item := &domain.SyncQueueItem{
			QueueID: "sq" + st.StepID, RunID: "r1", OperationType: domain.OpReportResult,
			Status: domain.SyncStatusPending, CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, res, item, i+1); err != nil {
			t.Fatalf("CompleteStepWithResult failed: %v", err)
		}
	}

	pending, _ := store.GetPendingSyncs(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	// FIFO within equal priority.
	if pending[0].QueueID != "sq"+steps[0].StepID {
		t.Fatalf("expected oldest item first, got %s", pending[0].QueueID)
	}

	// Failed attempts leave the item pending and only bump the counter.
	if err := store.IncrementSyncAttempt(ctx, pending[0].QueueID); err != nil {
		t.Fatalf("IncrementSyncAttempt failed: %v", err)
	}
	pending, _ = store.GetPendingSyncs(ctx, 10)
	if len(pending) != 2 || pending[0].AttemptCount != 1 {
		t.Fatalf("unexpected queue after failed attempt: %+v", pending)
	}

	// Acknowledgment retires the item and marks the result synced.
	if err := store.MarkSyncCompleted(ctx, pending[0].QueueID, "res"+steps[0].StepID); err != nil {
		t.Fatalf("MarkSyncCompleted failed: %v", err)
	}
	pending, _ = store.GetPendingSyncs(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending after ack, got %d", len(pending))
	}
	res, _ := store.GetResultForStep(ctx, steps[0].StepID)
	if !res.Synced {
		t.Fatalf("result must be synced after ack")
	}

	counts, err := store.CountSyncByStatus(ctx)
	if err != nil {
		t.Fatalf("CountSyncByStatus failed: %v", err)
	}
	if counts[domain.SyncStatusPending] != 1 || counts[domain.SyncStatusCompleted] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestSyncQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := seedRun(t, store, "r1", "shell", "shell")

	low := &domain.SyncQueueItem{
		QueueID: "sq_low", RunID: "r1", OperationType: domain.OpReportResult,
		Priority: 0, Status: domain.SyncStatusPending, CreatedAt: time.Now().Add(-time.Minute),
	}
	high := &domain.SyncQueueItem{
		QueueID: "sq_high", RunID: "r1", OperationType: domain.OpReportResult,
		Priority: 5, Status: domain.SyncStatusPending, CreatedAt: time.Now(),
	}
	resLow := &domain.StepResult{ResultID: "rl", RunID: "r1", StepID: steps[0].StepID, StepIndex: 0, Success: true, CreatedAt: time.Now()}
	resHigh := &domain.StepResult{ResultID: "rh", RunID: "r1", StepID: steps[1].StepID, StepIndex: 1, Success: true, CreatedAt: time.Now()}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, resLow, low, 1); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, resHigh, high, 2); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	pending, _ := store.GetPendingSyncs(ctx, 10)
	if len(pending) != 2 || pending[0].QueueID != "sq_high" {
		t.Fatalf("expected priority item first, got %+v", pending)
	}
}

func TestListActiveRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "r1", "shell")
	seedRun(t, store, "r2", "shell")

	if err := store.UpdateRunStatus(ctx, "r2", domain.RunStatusComplete); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}

	active, err := store.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(active) != 1 || active[0].RunID != "r1" {
		t.Fatalf("unexpected active runs: %+v", active)
	}
}

func TestOrphanRunningSteps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := seedRun(t, store, "r1", "shell", "fs.read")

	// Simulate a crash mid-execution: step 0 running, no result recorded.
	if err := store.MarkStepRunning(ctx, steps[0].StepID); err != nil {
		t.Fatalf("MarkStepRunning failed: %v", err)
	}

	orphans, err := store.ListOrphanRunningSteps(ctx, "r1")
	if err != nil {
		t.Fatalf("ListOrphanRunningSteps failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].StepID != steps[0].StepID {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}

	if err := store.ResetStepPending(ctx, steps[0].StepID); err != nil {
		t.Fatalf("ResetStepPending failed: %v", err)
	}
	next, _ := store.GetNextPendingStep(ctx, "r1")
	if next == nil || next.StepIndex != 0 {
		t.Fatalf("expected step 0 pending again, got %+v", next)
	}

	// A running step that already has a result is not an orphan.
	if err := store.MarkStepRunning(ctx, steps[0].StepID); err != nil {
		t.Fatalf("MarkStepRunning failed: %v", err)
	}
	res := &domain.StepResult{ResultID: "res1", RunID: "r1", StepID: steps[0].StepID, StepIndex: 0, Success: true, CreatedAt: time.Now()}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, res, nil, 1); err != nil {
		t.Fatalf("CompleteStepWithResult failed: %v", err)
	}
	orphans, _ = store.ListOrphanRunningSteps(ctx, "r1")
	if len(orphans) != 0 {
		t.Fatalf("expected no orphans, got %+v", orphans)
	}
}

func TestCleanupPurgesOldTerminalRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := seedRun(t, store, "r_old", "shell")
	seedRun(t, store, "r_live", "shell")

	res := &domain.StepResult{ResultID: "res1", RunID: "r_old", StepID: steps[0].StepID, StepIndex: 0, Success: true, CreatedAt: time.Now()}
	item := &domain.SyncQueueItem{QueueID: "sq1", RunID: "r_old", OperationType: domain.OpReportResult, Status: domain.SyncStatusCompleted, CreatedAt: time.Now()}
	if err := store.CompleteStepWithResult(ctx, domain.StepStatusDone, res, item, 1); err != nil {
		t.Fatalf("CompleteStepWithResult failed: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, "r_old", domain.RunStatusComplete); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	// Backdate the terminal run past the retention window.
	if _, err := store.db.Exec(`UPDATE runs SET updated_at = datetime('now', '-60 days') WHERE run_id = 'r_old'`); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	purged, err := store.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged run, got %d", purged)
	}

	gone, _ := store.GetRun(ctx, "r_old")
	if gone != nil {
		t.Fatalf("expected r_old purged, got %+v", gone)
	}
	live, _ := store.GetRun(ctx, "r_live")
	if live == nil {
		t.Fatalf("active run must survive cleanup")
	}
}

func TestUpdateRunStatusIfGuards(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "r_guard", "shell")

	// Matching guard applies the transition.
	ok, err := store.UpdateRunStatusIf(ctx, "r_guard", domain.RunStatusExecuting, domain.RunStatusRunningTool)
	if err != nil {
		t.Fatalf("UpdateRunStatusIf failed: %v", err)
	}
	if !ok {
		t.Fatal("expected guarded transition to apply")
	}

	// A cancelled run is not moved back to a live status.
	if err := store.UpdateRunStatus(ctx, "r_guard", domain.RunStatusCancelled); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	ok, err = store.UpdateRunStatusIf(ctx, "r_guard", domain.RunStatusRunningTool, domain.RunStatusExecuting)
	if err != nil {
		t.Fatalf("UpdateRunStatusIf failed: %v", err)
	}
	if ok {
		t.Fatal("expected guard to reject a terminal run")
	}

	run, err := store.GetRun(ctx, "r_guard")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
}
