// Package push maintains the server-initiated work channel: a long-lived
// WebSocket subscription that receives tool_request events, hands them to
// the executor, and submits signed results back over HTTP.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/agent/internal/backoff"
	"github.com/xiaot623/gogo/agent/internal/domain"
)

// Handler executes a normalized push-channel step and returns its
// result. Implemented by the executor service. MarkSubmitted is called
// after the signed submission was accepted so the handler can retire
// the result's outbox entry.
type Handler interface {
	ExecutePushed(ctx context.Context, ev domain.ToolRequestEvent, step *domain.Step) *domain.StepResult
	MarkSubmitted(ctx context.Context, result *domain.StepResult)
}

// Client holds the push-channel session. Exactly one WebSocket
// connection is live at a time; duplicate subscriptions would cause
// duplicate dispatch of the same work item.
type Client struct {
	subscribeURL string
	resultURL    string
	deviceToken  string
	secret       []byte
	handler      Handler
	policy       backoff.Policy

	httpClient *http.Client

	// overridable in tests
	dial  func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
	sleep func(d time.Duration)

	mu      sync.Mutex
	running bool
	queues  map[string]chan domain.ToolRequestEvent
}

// NewClient creates a push-channel client. subscribeURL is the ws(s)
// endpoint; resultURL the HTTP result submission endpoint.
func NewClient(subscribeURL, resultURL, deviceToken, secret string, handler Handler, policy backoff.Policy) *Client {
	return &Client{
		subscribeURL: subscribeURL,
		resultURL:    resultURL,
		deviceToken:  deviceToken,
		secret:       []byte(secret),
		handler:      handler,
		policy:       policy,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		dial: func(ctx context.Context, u string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
			return conn, err
		},
		sleep:  time.Sleep,
		queues: make(map[string]chan domain.ToolRequestEvent),
	}
}

// Run subscribes and dispatches events until ctx is cancelled,
// reconnecting with exponential backoff. The reconnect delay returns to
// its base value after every successful connection.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("push channel already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.connect(ctx)
		if err != nil {
			attempt++
			delay := c.policy.Delay(attempt)
			log.Printf("WARN: push channel connect failed (attempt %d, retrying in %s): %v", attempt, delay, err)
			c.sleep(delay)
			continue
		}

		log.Printf("INFO: push channel connected to %s", c.subscribeURL)
		attempt = 0

		// Unblock the read on shutdown.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		err = c.readLoop(ctx, conn)
		close(done)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("WARN: push channel disconnected: %v", err)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.subscribeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid subscribe url: %w", err)
	}
	q := u.Query()
	q.Set("device_token", c.deviceToken)
	u.RawQuery = q.Encode()

	return c.dial(ctx, u.String(), nil)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev domain.ToolRequestEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("WARN: push channel dropped unparseable event: %v", err)
			continue
		}
		if ev.Type != "" && ev.Type != "tool_request" {
			continue
		}

		c.dispatch(ctx, ev)
	}
}

// dispatch hands an event to its run's worker. Execution stays off the
// read loop so a long tool invocation does not starve socket reads;
// events of the same run execute serially, different runs concurrently.
func (c *Client) dispatch(ctx context.Context, ev domain.ToolRequestEvent) {
	c.mu.Lock()
	q, ok := c.queues[ev.RunID]
	if !ok {
		q = make(chan domain.ToolRequestEvent, 16)
		c.queues[ev.RunID] = q
		go c.runWorker(ctx, q)
	}
	c.mu.Unlock()

	select {
	case q <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) runWorker(ctx context.Context, q <-chan domain.ToolRequestEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			c.handle(ctx, ev)
		}
	}
}

func (c *Client) handle(ctx context.Context, ev domain.ToolRequestEvent) {
	step := NormalizeEvent(ev)
	result := c.handler.ExecutePushed(ctx, ev, step)
	if result == nil {
		return
	}
	if err := c.SubmitResult(ctx, ev, result); err != nil {
		log.Printf("ERROR: failed to submit push result for request %s: %v", ev.RequestID, err)
		return
	}
	c.handler.MarkSubmitted(ctx, result)
}

// NormalizeEvent converts a push-channel event into the same step
// representation the pull loop uses, so both paths share one executor.
func NormalizeEvent(ev domain.ToolRequestEvent) *domain.Step {
	args := ev.Args
	if len(args) == 0 {
		merged := map[string]interface{}{}
		if ev.Command != "" {
			merged["command"] = ev.Command
		}
		if ev.RequiresElevation {
			merged["requires_elevation"] = true
		}
		if ev.TimeoutSec > 0 {
			merged["timeout_sec"] = ev.TimeoutSec
		}
		args, _ = json.Marshal(merged)
	}

	return &domain.Step{
		StepID:      "step_" + ev.RequestID,
		RunID:       ev.RunID,
		StepIndex:   ev.Step,
		Description: ev.Description,
		ToolName:    ev.Tool,
		Args:        args,
		Status:      domain.StepStatusPending,
	}
}

// SubmitResult posts a signed result for a push-channel work item. The
// bearer device token, the HMAC signature over the canonical payload and
// the originating request id travel in headers.
func (c *Client) SubmitResult(ctx context.Context, ev domain.ToolRequestEvent, result *domain.StepResult) error {
	body := domain.PushResultRequest{
		RequestID: ev.RequestID,
		RunID:     ev.RunID,
		Step:      ev.Step,
		Tool:      ev.Tool,
		Success:   result.Success,
		Output:    result.Output,
		Stderr:    result.ErrorOutput,
		ExitCode:  result.ExitCode,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resultURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.deviceToken)
	req.Header.Set("X-Request-ID", ev.RequestID)
	req.Header.Set("X-Signature", Sign(c.secret, ev.RunID, ev.RequestID, ev.Step, payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result submission returned status %d", resp.StatusCode)
	}
	return nil
}
