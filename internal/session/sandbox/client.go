// Package sandbox owns the lifecycle of the remote execution environment:
// the command client that talks to the sandbox provider and the controller
// that tracks declared state against heartbeat reality.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session/models"
)

// ExecuteCommand is the unit of work dispatched to the sandbox. Commands are
// idempotent by MessageID: the sandbox drops a re-dispatch of a message it
// has already seen.
type ExecuteCommand struct {
	MessageID       string                 `json:"messageId"`
	Content         string                 `json:"content"`
	Attachments     []models.Attachment    `json:"attachments,omitempty"`
	ReasoningEffort string                 `json:"reasoningEffort,omitempty"`
	CallbackContext map[string]interface{} `json:"callbackContext,omitempty"`
}

// StartRequest tells the provider which repository to hydrate.
type StartRequest struct {
	SessionID  string `json:"sessionId"`
	RepoOwner  string `json:"repoOwner"`
	RepoName   string `json:"repoName"`
	CurrentSHA string `json:"currentSha,omitempty"`
	Model      string `json:"model"`
}

// StartResponse identifies the provisioned sandbox.
type StartResponse struct {
	SandboxID string `json:"sandboxId"`
	Hostname  string `json:"hostname"`
}

// Client is the HTTP command surface to the sandbox provider.
type Client struct {
	baseURL    string
	apiSecret  string
	retries    int
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a provider client. timeout bounds each individual HTTP
// call; retries is the attempt cap for command dispatch.
func NewClient(baseURL, apiSecret string, timeout time.Duration, retries int, log *logger.Logger) *Client {
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		baseURL:    baseURL,
		apiSecret:  apiSecret,
		retries:    retries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(zap.String("component", "sandbox-client")),
	}
}

// Start asks the provider for a sandbox serving the session.
func (c *Client) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	var resp StartResponse
	if err := c.post(ctx, "/v1/sandboxes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute dispatches a command, retrying transient failures with exponential
// backoff up to the attempt cap.
func (c *Client) Execute(ctx context.Context, sessionID string, cmd *ExecuteCommand) error {
	path := fmt.Sprintf("/v1/sandboxes/%s/execute", sessionID)
	return c.withRetries(ctx, func(attempt int) error {
		return c.post(ctx, path, cmd, nil)
	})
}

// Stop requests a best-effort cancel of the current execution. The sandbox
// acknowledges asynchronously with execution_complete.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/stop", sessionID), nil, nil)
}

// Terminate tears the sandbox down.
func (c *Client) Terminate(ctx context.Context, sessionID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/sandboxes/%s", sessionID)+"/terminate", nil, nil)
}

func (c *Client) withRetries(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= c.retries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == c.retries {
			break
		}
		c.logger.Warn("sandbox command failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return apperr.SandboxUnavailable(lastErr)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox provider returned %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
