// Package store implements the durable local state store backing the
// agent: runs, steps, step results, and the outbound sync queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/agent/internal/domain"
)

// SQLiteStore implements the local state store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the agent database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			goal TEXT NOT NULL,
			context TEXT,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			total_steps INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			description TEXT,
			goal TEXT,
			tool_name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			UNIQUE(run_id, step_index),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			result_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL UNIQUE,
			step_index INTEGER NOT NULL,
			success INTEGER NOT NULL,
			output TEXT,
			error_output TEXT,
			error_kind TEXT,
			exit_code INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			synced INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id),
			FOREIGN KEY (step_id) REFERENCES steps(step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON step_results(run_id, step_index)`,
		`CREATE INDEX IF NOT EXISTS idx_results_synced ON step_results(run_id, synced)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			queue_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			payload TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_status_created ON sync_queue(status, priority, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRunWithPlan persists a run and its full plan of pending steps in
// one transaction.
func (s *SQLiteStore) CreateRunWithPlan(ctx context.Context, run *domain.Run, steps []domain.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, goal, context, current_step_index, total_steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Status, run.Goal, nullStringBytes(run.Context),
		run.CurrentStepIndex, run.TotalSteps, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, st := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (step_id, run_id, step_index, description, goal, tool_name, args, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.StepID, st.RunID, st.StepIndex, st.Description, st.Goal,
			st.ToolName, nullStringBytes(st.Args), st.Status)
		if err != nil {
			return fmt.Errorf("failed to insert step %d: %w", st.StepIndex, err)
		}
	}
	return tx.Commit()
}

// GetRun retrieves a run by ID. Returns nil when not found.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var contextData sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, status, goal, context, current_step_index, total_steps, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.Status, &run.Goal, &contextData,
			&run.CurrentStepIndex, &run.TotalSteps, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if contextData.Valid {
		run.Context = []byte(contextData.String)
	}
	return &run, nil
}

// UpdateRunStatus updates the status of a run.
// UpdateRunStatusIf transitions a run's status only when it currently
// holds the expected prior status. Returns false when the guard did not
// match, e.g. the run was cancelled concurrently.
func (s *SQLiteStore) UpdateRunStatusIf(ctx context.Context, runID string, from, to domain.RunStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		to, time.Now(), runID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, time.Now(), runID)
	return err
}

// ListActiveRuns returns runs in a non-terminal status.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status, goal, context, current_step_index, total_steps, created_at, updated_at
		 FROM runs WHERE status IN (?, ?, ?) ORDER BY created_at`,
		domain.RunStatusCreated, domain.RunStatusExecuting, domain.RunStatusRunningTool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var contextData sql.NullString
		if err := rows.Scan(&run.RunID, &run.Status, &run.Goal, &contextData,
			&run.CurrentStepIndex, &run.TotalSteps, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if contextData.Valid {
			run.Context = []byte(contextData.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT run_id, status, goal, context, current_step_index, total_steps, created_at, updated_at
	          FROM runs ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var contextData sql.NullString
		if err := rows.Scan(&run.RunID, &run.Status, &run.Goal, &contextData,
			&run.CurrentStepIndex, &run.TotalSteps, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if contextData.Valid {
			run.Context = []byte(contextData.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateStep inserts a single step. Used by the push channel when a work
// item arrives outside a stored plan.
func (s *SQLiteStore) CreateStep(ctx context.Context, st *domain.Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (step_id, run_id, step_index, description, goal, tool_name, args, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.StepID, st.RunID, st.StepIndex, st.Description, st.Goal,
		st.ToolName, nullStringBytes(st.Args), st.Status)
	return err
}

// GetStep retrieves a step by run and index. Returns nil when not found.
func (s *SQLiteStore) GetStep(ctx context.Context, runID string, stepIndex int) (*domain.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT step_id, run_id, step_index, description, goal, tool_name, args, status, started_at, completed_at
		 FROM steps WHERE run_id = ? AND step_index = ?`, runID, stepIndex)
	return scanStep(row)
}

// GetStepByID retrieves a step by its ID. Returns nil when not found.
func (s *SQLiteStore) GetStepByID(ctx context.Context, stepID string) (*domain.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT step_id, run_id, step_index, description, goal, tool_name, args, status, started_at, completed_at
		 FROM steps WHERE step_id = ?`, stepID)
	return scanStep(row)
}

// GetNextPendingStep returns the lowest-index step still pending for the
// run, or nil when none remain.
func (s *SQLiteStore) GetNextPendingStep(ctx context.Context, runID string) (*domain.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT step_id, run_id, step_index, description, goal, tool_name, args, status, started_at, completed_at
		 FROM steps WHERE run_id = ? AND status = ? ORDER BY step_index ASC LIMIT 1`,
		runID, domain.StepStatusPending)
	return scanStep(row)
}

func scanStep(row *sql.Row) (*domain.Step, error) {
	var st domain.Step
	var description, goal, args sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&st.StepID, &st.RunID, &st.StepIndex, &description, &goal,
		&st.ToolName, &args, &st.Status, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if description.Valid {
		st.Description = description.String
	}
	if goal.Valid {
		st.Goal = goal.String
	}
	if args.Valid {
		st.Args = []byte(args.String)
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return &st, nil
}

// MarkStepRunning transitions a step to running and stamps its start time.
func (s *SQLiteStore) MarkStepRunning(ctx context.Context, stepID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, started_at = ? WHERE step_id = ?`,
		domain.StepStatusRunning, now, stepID)
	return err
}

// CompleteStepWithResult atomically writes the step's terminal transition,
// upserts its authoritative result, enqueues the sync item, and advances
// the run's current step index. This is the single durability point of
// step execution: a crash before commit re-executes the step, a crash
// after commit replays the cached result.
func (s *SQLiteStore) CompleteStepWithResult(ctx context.Context, stepStatus domain.StepStatus, result *domain.StepResult, queueItem *domain.SyncQueueItem, nextStepIndex int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	if queueItem != nil && queueItem.CreatedAt.IsZero() {
		queueItem.CreatedAt = now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, completed_at = ? WHERE step_id = ?`,
		stepStatus, now, result.StepID)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}

	// Idempotent write: a retried execution overwrites rather than duplicates.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_results (result_id, run_id, step_id, step_index, success, output, error_output, error_kind, exit_code, duration_ms, synced, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(step_id) DO UPDATE SET
			success = excluded.success,
			output = excluded.output,
			error_output = excluded.error_output,
			error_kind = excluded.error_kind,
			exit_code = excluded.exit_code,
			duration_ms = excluded.duration_ms,
			synced = excluded.synced,
			created_at = excluded.created_at`,
		result.ResultID, result.RunID, result.StepID, result.StepIndex,
		boolToInt(result.Success), result.Output, result.ErrorOutput, string(result.ErrorKind),
		nullInt(result.ExitCode), result.DurationMs, boolToInt(result.Synced), result.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write step result: %w", err)
	}

	if queueItem != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_queue (queue_id, run_id, operation_type, payload, priority, attempt_count, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			queueItem.QueueID, queueItem.RunID, queueItem.OperationType,
			nullStringBytes(queueItem.Payload), queueItem.Priority,
			queueItem.AttemptCount, queueItem.Status, queueItem.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to enqueue sync item: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET current_step_index = ?, updated_at = ? WHERE run_id = ?`,
		nextStepIndex, now, result.RunID)
	if err != nil {
		return fmt.Errorf("failed to advance run: %w", err)
	}

	return tx.Commit()
}

// GetResultForStep returns the authoritative result for a step, or nil.
func (s *SQLiteStore) GetResultForStep(ctx context.Context, stepID string) (*domain.StepResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT result_id, run_id, step_id, step_index, success, output, error_output, error_kind, exit_code, duration_ms, synced, created_at
		 FROM step_results WHERE step_id = ?`, stepID)
	return scanResult(row)
}

// GetUnsyncedResults returns all results for a run not yet acknowledged
// by the orchestrator.
func (s *SQLiteStore) GetUnsyncedResults(ctx context.Context, runID string) ([]domain.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_id, run_id, step_id, step_index, success, output, error_output, error_kind, exit_code, duration_ms, synced, created_at
		 FROM step_results WHERE run_id = ? AND synced = 0 ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.StepResult
	for rows.Next() {
		res, err := scanResultRows(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, rows.Err()
}

func scanResult(row *sql.Row) (*domain.StepResult, error) {
	var res domain.StepResult
	var success, synced int
	var output, errorOutput, errorKind sql.NullString
	var exitCode sql.NullInt64
	err := row.Scan(&res.ResultID, &res.RunID, &res.StepID, &res.StepIndex,
		&success, &output, &errorOutput, &errorKind, &exitCode, &res.DurationMs, &synced, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fillResult(&res, success, synced, output, errorOutput, errorKind, exitCode)
	return &res, nil
}

func scanResultRows(rows *sql.Rows) (*domain.StepResult, error) {
	var res domain.StepResult
	var success, synced int
	var output, errorOutput, errorKind sql.NullString
	var exitCode sql.NullInt64
	err := rows.Scan(&res.ResultID, &res.RunID, &res.StepID, &res.StepIndex,
		&success, &output, &errorOutput, &errorKind, &exitCode, &res.DurationMs, &synced, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	fillResult(&res, success, synced, output, errorOutput, errorKind, exitCode)
	return &res, nil
}

func fillResult(res *domain.StepResult, success, synced int, output, errorOutput, errorKind sql.NullString, exitCode sql.NullInt64) {
	res.Success = success != 0
	res.Synced = synced != 0
	if output.Valid {
		res.Output = output.String
	}
	if errorOutput.Valid {
		res.ErrorOutput = errorOutput.String
	}
	if errorKind.Valid {
		res.ErrorKind = domain.ErrorKind(errorKind.String)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		res.ExitCode = &code
	}
}

// GetPendingSyncs returns pending sync queue items in FIFO-with-priority
// order: higher priority first, older first within a priority.
func (s *SQLiteStore) GetPendingSyncs(ctx context.Context, limit int) ([]domain.SyncQueueItem, error) {
	query := `SELECT queue_id, run_id, operation_type, payload, priority, attempt_count, status, created_at
	          FROM sync_queue WHERE status = ? ORDER BY priority DESC, created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, domain.SyncStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.SyncQueueItem
	for rows.Next() {
		var item domain.SyncQueueItem
		var payload sql.NullString
		if err := rows.Scan(&item.QueueID, &item.RunID, &item.OperationType, &payload,
			&item.Priority, &item.AttemptCount, &item.Status, &item.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			item.Payload = []byte(payload.String)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSyncCompleted retires a queue item and marks its result synced, in
// one transaction. Called only on positive acknowledgment.
func (s *SQLiteStore) MarkSyncCompleted(ctx context.Context, queueID, resultID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE queue_id = ?`,
		domain.SyncStatusCompleted, queueID); err != nil {
		return fmt.Errorf("failed to retire sync item: %w", err)
	}
	if resultID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE step_results SET synced = 1 WHERE result_id = ?`, resultID); err != nil {
			return fmt.Errorf("failed to mark result synced: %w", err)
		}
	}
	return tx.Commit()
}

// IncrementSyncAttempt bumps a queue item's attempt counter, leaving it pending.
func (s *SQLiteStore) IncrementSyncAttempt(ctx context.Context, queueID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET attempt_count = attempt_count + 1 WHERE queue_id = ?`, queueID)
	return err
}

// MarkResultSynced marks a result as acknowledged outside the queue path
// (direct replay of a cached result to the orchestrator).
func (s *SQLiteStore) MarkResultSynced(ctx context.Context, resultID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE step_results SET synced = 1 WHERE result_id = ?`, resultID)
	return err
}

// CountSyncByStatus returns the number of queue items per status.
func (s *SQLiteStore) CountSyncByStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.SyncStatus]int)
	for rows.Next() {
		var status domain.SyncStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListOrphanRunningSteps returns steps left running with no recorded
// result, as found after a process restart.
func (s *SQLiteStore) ListOrphanRunningSteps(ctx context.Context, runID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.step_id, st.run_id, st.step_index, st.description, st.goal, st.tool_name, st.args, st.status, st.started_at, st.completed_at
		 FROM steps st
		 LEFT JOIN step_results sr ON sr.step_id = st.step_id
		 WHERE st.run_id = ? AND st.status = ? AND sr.result_id IS NULL
		 ORDER BY st.step_index ASC`, runID, domain.StepStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var st domain.Step
		var description, goal, args sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&st.StepID, &st.RunID, &st.StepIndex, &description, &goal,
			&st.ToolName, &args, &st.Status, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			st.Description = description.String
		}
		if goal.Valid {
			st.Goal = goal.String
		}
		if args.Valid {
			st.Args = []byte(args.String)
		}
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ResetStepPending returns an interrupted step to pending so the pull
// loop re-executes it exactly once.
func (s *SQLiteStore) ResetStepPending(ctx context.Context, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, started_at = NULL WHERE step_id = ?`,
		domain.StepStatusPending, stepID)
	return err
}

// Cleanup purges terminal runs older than the retention window, with
// their steps, results, and retired queue rows.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		domain.RunStatusComplete, domain.RunStatusFailed, domain.RunStatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range runIDs {
		for _, q := range []string{
			`DELETE FROM sync_queue WHERE run_id = ?`,
			`DELETE FROM step_results WHERE run_id = ?`,
			`DELETE FROM steps WHERE run_id = ?`,
			`DELETE FROM runs WHERE run_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return 0, fmt.Errorf("cleanup failed for run %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(runIDs), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
