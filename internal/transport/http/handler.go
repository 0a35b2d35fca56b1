// Package http provides the local control API the application shell
// uses to start, inspect, cancel and resume runs.
package http

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.POST("/v1/resume", h.Resume)
	e.GET("/v1/sync/status", h.SyncStatus)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// StartRun creates a run upstream and begins executing it locally.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}

	run, err := h.service.StartRun(ctx, &req)
	if err != nil {
		log.Printf("ERROR: failed to start run: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to start run"})
	}

	return c.JSON(http.StatusOK, run)
}

// ListRuns returns recent runs, newest first.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	runs, err := h.service.Store().ListRuns(ctx, 50)
	if err != nil {
		log.Printf("ERROR: failed to list runs: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun returns the locally persisted state of one run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.service.Store().GetRun(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to load run %s: %v", runID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	unsynced, err := h.service.Store().GetUnsyncedResults(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to load unsynced results for %s: %v", runID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run":              run,
		"unsynced_results": len(unsynced),
	})
}

// CancelRun stops a run cooperatively.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	if err := h.service.CancelRun(ctx, runID); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// Resume re-engages every non-terminal run in the store.
// POST /v1/resume
func (h *Handler) Resume(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.service.ResumeAll(ctx); err != nil {
		log.Printf("ERROR: resume failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "resume failed"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// SyncStatus reports sync queue depth per status.
// GET /v1/sync/status
func (h *Handler) SyncStatus(c echo.Context) error {
	ctx := c.Request().Context()

	counts, err := h.service.SyncStatus(ctx)
	if err != nil {
		log.Printf("ERROR: failed to count sync queue: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read sync status"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"pending":   counts[domain.SyncStatusPending],
		"completed": counts[domain.SyncStatusCompleted],
		"failed":    counts[domain.SyncStatusFailed],
	})
}
