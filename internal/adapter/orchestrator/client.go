// Package orchestrator provides the HTTP client for the remote task
// orchestrator's pull protocol.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/agent/internal/domain"
)

// ErrUnauthorized is returned when the orchestrator rejects the API key.
// It is fatal to the run and never retried.
var ErrUnauthorized = errors.New("orchestrator rejected credentials")

// Client is an HTTP client for the orchestrator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new orchestrator client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateRun calls POST /runs and returns the server-issued run and plan.
func (c *Client) CreateRun(ctx context.Context, req *domain.CreateRunRequest) (*domain.CreateRunResponse, error) {
	var resp domain.CreateRunResponse
	if err := c.do(ctx, http.MethodPost, "/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NextStep calls GET /runs/{run_id}/next-step.
func (c *Client) NextStep(ctx context.Context, runID string) (*domain.NextStepResponse, error) {
	var resp domain.NextStepResponse
	if err := c.do(ctx, http.MethodGet, "/runs/"+runID+"/next-step", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportResult calls POST /runs/{run_id}/steps/{step_index}/result.
func (c *Client) ReportResult(ctx context.Context, runID string, stepIndex int, req *domain.ReportResultRequest) (*domain.ReportResultResponse, error) {
	var resp domain.ReportResultResponse
	path := fmt.Sprintf("/runs/%s/steps/%d/result", runID, stepIndex)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun calls GET /runs/{run_id} and returns the full run snapshot.
func (c *Client) GetRun(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	var resp domain.RunSnapshot
	if err := c.do(ctx, http.MethodGet, "/runs/"+runID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// errorResponse is the orchestrator's error body shape.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var reader io.Reader
	if reqBody != nil {
		body, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call orchestrator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		respData, _ := io.ReadAll(resp.Body)
		var errResp errorResponse
		if json.Unmarshal(respData, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("orchestrator error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, string(respData))
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
