package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/xiaot623/gogo/agent/internal/domain"
)

const (
	syncInterval   = 2 * time.Second
	syncBatchSize  = 50
	retentionSweep = time.Hour
)

// RunSyncReconciler drains the sync queue until ctx is cancelled. It
// runs independently of step execution; neither blocks the other.
func (s *Service) RunSyncReconciler(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainSyncQueue(ctx)
		}
	}
}

// drainSyncQueue submits pending queue items in FIFO-with-priority
// order. A failed submission increments the item's attempt count and
// ends the cycle: items stay queued in order rather than being skipped
// past, so a persistent failure stays visible at the head.
func (s *Service) drainSyncQueue(ctx context.Context) {
	items, err := s.store.GetPendingSyncs(ctx, syncBatchSize)
	if err != nil {
		log.Printf("WARN: sync queue scan failed: %v", err)
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if item.OperationType != domain.OpReportResult {
			log.Printf("WARN: skipping sync item %s with unknown operation %q", item.QueueID, item.OperationType)
			continue
		}

		var payload domain.ReportResultPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			log.Printf("ERROR: sync item %s has malformed payload: %v", item.QueueID, err)
			continue
		}

		result, err := s.store.GetResultForStep(ctx, payload.StepID)
		if err != nil || result == nil {
			log.Printf("ERROR: sync item %s references missing result for step %s: %v", item.QueueID, payload.StepID, err)
			continue
		}

		if _, err := s.orch.ReportResult(ctx, payload.RunID, payload.StepIndex, reportRequest(result)); err != nil {
			if ierr := s.store.IncrementSyncAttempt(ctx, item.QueueID); ierr != nil {
				log.Printf("ERROR: failed to record sync attempt for %s: %v", item.QueueID, ierr)
			}
			log.Printf("WARN: sync of step %s failed (attempt %d): %v", payload.StepID, item.AttemptCount+1, err)
			return
		}

		if err := s.store.MarkSyncCompleted(ctx, item.QueueID, result.ResultID); err != nil {
			log.Printf("ERROR: failed to retire sync item %s: %v", item.QueueID, err)
			return
		}
	}
}

// SyncStatus reports queue depth per status for the control API.
func (s *Service) SyncStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	return s.store.CountSyncByStatus(ctx)
}

// RunRetentionSweeper periodically purges terminal runs older than the
// configured retention window.
func (s *Service) RunRetentionSweeper(ctx context.Context) {
	ticker := time.NewTicker(retentionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.Cleanup(ctx, s.config.RetentionDays)
			if err != nil {
				log.Printf("WARN: retention cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("INFO: retention cleanup removed %d runs", n)
			}
		}
	}
}
