// Package approval implements the human-in-the-loop elevation gate: a
// synchronous round-trip to the approval UI and a single-use secret
// capability for the credential it returns.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrDenied is returned when the human declines the elevation prompt.
var ErrDenied = errors.New("elevation denied")

// ErrTimedOut is returned when no decision arrives within the window.
var ErrTimedOut = errors.New("approval timed out")

// Prompt describes what the user is asked to approve.
type Prompt struct {
	RunID   string `json:"run_id"`
	StepID  string `json:"step_id"`
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

// decision is the approval UI's response body.
type decision struct {
	Approved bool   `json:"approved"`
	Secret   string `json:"secret,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Client performs the approval round-trip.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new approval client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			// The UI blocks on the human; the HTTP call must outlive the window.
			Timeout: timeout + 5*time.Second,
		},
		timeout: timeout,
	}
}

// RequestElevation prompts the user and, when approved, returns the
// one-time secret. Denial returns ErrDenied; no decision within the
// window returns ErrTimedOut.
func (c *Client) RequestElevation(ctx context.Context, prompt Prompt) (*Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/approvals/elevation", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimedOut
		}
		return nil, fmt.Errorf("failed to reach approval UI: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("approval UI returned status %d", resp.StatusCode)
	}

	var dec decision
	if err := json.NewDecoder(resp.Body).Decode(&dec); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	if !dec.Approved {
		if dec.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrDenied, dec.Reason)
		}
		return nil, ErrDenied
	}

	return NewSecret(dec.Secret), nil
}

// Secret is a scoped elevation capability. It can be read exactly once;
// the backing bytes are zeroized on use and on Clear, and the value is
// never serialized or written to the state store.
type Secret struct {
	mu   sync.Mutex
	b    []byte
	used bool
}

// NewSecret wraps a credential string.
func NewSecret(value string) *Secret {
	return &Secret{b: []byte(value)}
}

// Use returns the secret value and immediately invalidates it. A second
// call fails.
func (s *Secret) Use() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used || s.b == nil {
		return "", errors.New("elevation secret already consumed")
	}
	value := string(s.b)
	s.wipe()
	return value, nil
}

// Clear invalidates the secret without reading it. Safe to call on all
// exit paths, including after Use.
func (s *Secret) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipe()
}

func (s *Secret) wipe() {
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
	s.used = true
}
