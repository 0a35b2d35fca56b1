package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agent/internal/adapter/orchestrator"
	"github.com/xiaot623/gogo/agent/internal/config"
	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/store"
	"github.com/xiaot623/gogo/agent/internal/tools"
)

type reportCall struct {
	RunID     string
	StepIndex int
	Req       domain.ReportResultRequest
}

// fakeOrch is a scripted orchestrator: it hands out plan steps in order
// and advances its cursor when the result for the current step arrives.
type fakeOrch struct {
	mu        sync.Mutex
	runID     string
	plan      []domain.PlanStep
	cursor    int
	reports   []reportCall
	nextErr   error
	reportErr error
	// holdAdvance makes the orchestrator re-dispatch the current step
	// for that many reports before advancing, as a slow upstream would.
	holdAdvance int
}

func (f *fakeOrch) CreateRun(ctx context.Context, req *domain.CreateRunRequest) (*domain.CreateRunResponse, error) {
	return &domain.CreateRunResponse{
		RunID:      f.runID,
		Status:     "created",
		TotalSteps: len(f.plan),
		Plan:       domain.Plan{Steps: f.plan},
	}, nil
}

func (f *fakeOrch) NextStep(ctx context.Context, runID string) (*domain.NextStepResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	if f.cursor >= len(f.plan) {
		return &domain.NextStepResponse{Status: domain.NextStepComplete}, nil
	}
	ps := f.plan[f.cursor]
	return &domain.NextStepResponse{
		Status:      domain.NextStepReady,
		StepIndex:   f.cursor,
		TotalSteps:  len(f.plan),
		ToolName:    ps.ToolName,
		Args:        ps.Args,
		Description: ps.Description,
		Goal:        ps.Goal,
	}, nil
}

func (f *fakeOrch) ReportResult(ctx context.Context, runID string, stepIndex int, req *domain.ReportResultRequest) (*domain.ReportResultResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	f.reports = append(f.reports, reportCall{RunID: runID, StepIndex: stepIndex, Req: *req})
	if stepIndex == f.cursor {
		if f.holdAdvance > 0 {
			f.holdAdvance--
		} else {
			f.cursor++
		}
	}
	return &domain.ReportResultResponse{Status: "accepted"}, nil
}

func (f *fakeOrch) GetRun(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	return &domain.RunSnapshot{RunID: runID}, nil
}

func (f *fakeOrch) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func newTestService(t *testing.T, orch Orchestrator) *Service {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sandbox, err := tools.NewSandbox(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		ToolTimeout:     10 * time.Second,
		ShellTimeout:    10 * time.Second,
		BackoffBase:     time.Millisecond,
		BackoffCap:      4 * time.Millisecond,
		MaxPullFailures: 3,
		RetentionDays:   30,
	}

	svc := New(st, orch, tools.Deps{Sandbox: sandbox, ShellTimeout: cfg.ShellTimeout}, cfg, nil)
	svc.sleep = func(time.Duration) {}
	return svc
}

func waitForStatus(t *testing.T, svc *Service, runID string, want domain.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := svc.store.GetRun(context.Background(), runID)
		return err == nil && run != nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run never reached status %s", want)
}

func TestRunExecutesPlanInOrder(t *testing.T) {
	orch := &fakeOrch{
		runID: "run_plan",
		plan: []domain.PlanStep{
			{ToolName: "fs.write", Description: "write the file", Args: json.RawMessage(`{"path":"out.txt","content":"first"}`)},
			{ToolName: "reason", Goal: "confirm the file exists"},
		},
	}
	svc := newTestService(t, orch)

	run, err := svc.StartRun(context.Background(), &domain.CreateRunRequest{Message: "write a file"})
	require.NoError(t, err)
	assert.Equal(t, 2, run.TotalSteps)

	waitForStatus(t, svc, run.RunID, domain.RunStatusComplete)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		step, err := svc.store.GetStep(ctx, run.RunID, i)
		require.NoError(t, err)
		require.NotNil(t, step)
		assert.Equal(t, domain.StepStatusDone, step.Status)

		result, err := svc.store.GetResultForStep(ctx, step.StepID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Success)
	}

	// Both step results reached the orchestrator in plan order.
	require.GreaterOrEqual(t, orch.reportCount(), 2)
	assert.Equal(t, 0, orch.reports[0].StepIndex)
	assert.Equal(t, 1, orch.reports[1].StepIndex)

	// The outbox still holds the queue entries; the reconciler drains
	// and retires them.
	svc.drainSyncQueue(ctx)
	counts, err := svc.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[domain.SyncStatusPending])
	assert.Equal(t, 2, counts[domain.SyncStatusCompleted])
}

func TestPullFailureCeilingFailsRun(t *testing.T) {
	orch := &fakeOrch{runID: "run_down", nextErr: errors.New("connection refused")}
	svc := newTestService(t, orch)

	require.NoError(t, svc.store.CreateRunWithPlan(context.Background(), &domain.Run{
		RunID:  "run_down",
		Status: domain.RunStatusExecuting,
		Goal:   "doomed",
	}, nil))

	svc.engage("run_down")
	waitForStatus(t, svc, "run_down", domain.RunStatusFailed)
}

func TestAuthErrorFailsRunImmediately(t *testing.T) {
	orch := &fakeOrch{
		runID:   "run_auth",
		nextErr: fmt.Errorf("next-step: %w", orchestrator.ErrUnauthorized),
	}
	svc := newTestService(t, orch)

	require.NoError(t, svc.store.CreateRunWithPlan(context.Background(), &domain.Run{
		RunID:  "run_auth",
		Status: domain.RunStatusExecuting,
		Goal:   "bad creds",
	}, nil))

	svc.engage("run_auth")
	waitForStatus(t, svc, "run_auth", domain.RunStatusFailed)
}

func TestResumeAfterInterruptionRunsStepOnce(t *testing.T) {
	orch := &fakeOrch{
		runID: "run_resume",
		plan: []domain.PlanStep{
			{ToolName: "reason", Goal: "step zero"},
			{ToolName: "reason", Goal: "step one"},
		},
	}
	svc := newTestService(t, orch)
	ctx := context.Background()

	// Simulate a run interrupted mid-step: step 0 marked running, no
	// result recorded.
	require.NoError(t, svc.store.CreateRunWithPlan(ctx, &domain.Run{
		RunID:      "run_resume",
		Status:     domain.RunStatusRunningTool,
		Goal:       "resume me",
		TotalSteps: 2,
	}, []domain.Step{
		{StepID: "step_r0", RunID: "run_resume", StepIndex: 0, ToolName: "reason", Goal: "step zero", Status: domain.StepStatusPending},
		{StepID: "step_r1", RunID: "run_resume", StepIndex: 1, ToolName: "reason", Goal: "step one", Status: domain.StepStatusPending},
	}))
	require.NoError(t, svc.store.MarkStepRunning(ctx, "step_r0"))

	require.NoError(t, svc.ResumeAll(ctx))
	waitForStatus(t, svc, "run_resume", domain.RunStatusComplete)

	// The interrupted step ended up with exactly one result.
	result, err := svc.store.GetResultForStep(ctx, "step_r0")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)

	step, err := svc.store.GetStep(ctx, "run_resume", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusDone, step.Status)
}

func TestCancelRun(t *testing.T) {
	orch := &fakeOrch{runID: "run_cancel", nextErr: errors.New("stalled")}
	svc := newTestService(t, orch)
	ctx := context.Background()

	require.NoError(t, svc.store.CreateRunWithPlan(ctx, &domain.Run{
		RunID:  "run_cancel",
		Status: domain.RunStatusExecuting,
		Goal:   "cancel me",
	}, nil))
	// Slow the retry loop down so the run is still alive when we cancel.
	svc.sleep = func(time.Duration) { time.Sleep(10 * time.Millisecond) }
	svc.config.MaxPullFailures = 1000000
	svc.engage("run_cancel")

	require.NoError(t, svc.CancelRun(ctx, "run_cancel"))
	waitForStatus(t, svc, "run_cancel", domain.RunStatusCancelled)

	// Cancelling a terminal run is rejected.
	err := svc.CancelRun(ctx, "run_cancel")
	assert.Error(t, err)
}

func TestDrainSyncQueueRetriesWithoutReordering(t *testing.T) {
	orch := &fakeOrch{runID: "run_sync"}
	svc := newTestService(t, orch)
	ctx := context.Background()

	require.NoError(t, svc.store.CreateRunWithPlan(ctx, &domain.Run{
		RunID:      "run_sync",
		Status:     domain.RunStatusExecuting,
		Goal:       "sync",
		TotalSteps: 1,
	}, []domain.Step{
		{StepID: "step_s0", RunID: "run_sync", StepIndex: 0, ToolName: "reason", Status: domain.StepStatusPending},
	}))

	result := &domain.StepResult{
		ResultID: "res_s0", RunID: "run_sync", StepID: "step_s0", StepIndex: 0,
		Success: true, Output: "ok",
	}
	require.NoError(t, svc.store.CompleteStepWithResult(ctx, domain.StepStatusDone, result, resultQueueItem(result), 1))

	// First drain fails; the item stays pending with one attempt recorded.
	orch.reportErr = errors.New("network down")
	svc.drainSyncQueue(ctx)

	items, err := svc.store.GetPendingSyncs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].AttemptCount)

	// Second drain succeeds and retires the item and its result.
	orch.reportErr = nil
	svc.drainSyncQueue(ctx)

	items, err = svc.store.GetPendingSyncs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	synced, err := svc.store.GetResultForStep(ctx, "step_s0")
	require.NoError(t, err)
	assert.True(t, synced.Synced)
	assert.Equal(t, 1, orch.reportCount())
}

func TestCancelDuringInFlightStepStaysCancelled(t *testing.T) {
	orch := &fakeOrch{runID: "run_mid"}
	svc := newTestService(t, orch)
	ctx := context.Background()

	require.NoError(t, svc.store.CreateRunWithPlan(ctx, &domain.Run{
		RunID:      "run_mid",
		Status:     domain.RunStatusExecuting,
		Goal:       "cancel mid-step",
		TotalSteps: 1,
	}, []domain.Step{
		{StepID: "step_m0", RunID: "run_mid", StepIndex: 0, ToolName: "reason", Goal: "in flight", Status: domain.StepStatusPending},
	}))

	// The run is cancelled while its step is in flight; the step is
	// allowed to finish and its result is kept, but the run must not
	// come back to life.
	require.NoError(t, svc.CancelRun(ctx, "run_mid"))

	step, err := svc.store.GetStep(ctx, "run_mid", 0)
	require.NoError(t, err)
	svc.executeStep(ctx, "run_mid", step)

	run, err := svc.store.GetRun(ctx, "run_mid")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, run.Status)

	result, err := svc.store.GetResultForStep(ctx, "step_m0")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
}

func TestRedispatchedStepRepliesFromCache(t *testing.T) {
	orch := &fakeOrch{
		runID: "run_replay",
		plan: []domain.PlanStep{
			{ToolName: "fs.append", Description: "append marker", Args: json.RawMessage(`{"path":"marker.txt","content":"x"}`)},
		},
		// Re-dispatch step 0 once after its first report.
		holdAdvance: 1,
	}
	svc := newTestService(t, orch)

	run, err := svc.StartRun(context.Background(), &domain.CreateRunRequest{Message: "append once"})
	require.NoError(t, err)
	waitForStatus(t, svc, run.RunID, domain.RunStatusComplete)

	ctx := context.Background()

	// The re-dispatched step was answered from the stored result, not
	// executed a second time: the append ran exactly once.
	data, err := os.ReadFile(filepath.Join(svc.toolDeps.Sandbox.Root(), "marker.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	// The cached result was reported for index 0 on both dispatches and
	// marked synced.
	orch.mu.Lock()
	index0 := 0
	for _, call := range orch.reports {
		if call.StepIndex == 0 {
			index0++
		}
	}
	orch.mu.Unlock()
	assert.GreaterOrEqual(t, index0, 2)

	step, err := svc.store.GetStep(ctx, run.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusDone, step.Status)

	result, err := svc.store.GetResultForStep(ctx, step.StepID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Synced)
}

func TestExecutePushedIsIdempotent(t *testing.T) {
	orch := &fakeOrch{runID: "unused"}
	svc := newTestService(t, orch)
	ctx := context.Background()

	ev := domain.ToolRequestEvent{
		Type:      "tool_request",
		RequestID: "req_p1",
		RunID:     "run_push",
		Step:      0,
		Tool:      "reason",
	}
	step := &domain.Step{
		StepID: "step_req_p1", RunID: "run_push", StepIndex: 0,
		ToolName: "reason", Goal: "pushed work", Status: domain.StepStatusPending,
	}

	first := svc.ExecutePushed(ctx, ev, step)
	require.NotNil(t, first)
	assert.True(t, first.Success)

	// Redelivery of the same request id replays the stored result.
	second := svc.ExecutePushed(ctx, ev, step)
	require.NotNil(t, second)
	assert.Equal(t, first.ResultID, second.ResultID)

	// Submission ack retires the outbox entry.
	svc.MarkSubmitted(ctx, first)
	counts, err := svc.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[domain.SyncStatusPending])
}
