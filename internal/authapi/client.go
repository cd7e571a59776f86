// Package authapi is the HTTP client for the auth backend: token validation
// and background job status. It satisfies both the refresh service's
// Validator and the task registry's StatusPoller.
package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tbranner/sessiond/internal/logging"
	"github.com/tbranner/sessiond/internal/refresh"
	"github.com/tbranner/sessiond/internal/task"
)

var apiLog = logging.ForComponent(logging.CompHTTP)

// DefaultTimeout bounds each backend request.
const DefaultTimeout = 10 * time.Second

// Client talks to the auth backend over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client

	// tokenFunc supplies the bearer token for job status requests. Validation
	// requests carry the token under test instead.
	tokenFunc func() string
}

// NewClient creates a client for the backend at baseURL. timeout <= 0 selects
// DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// SetTokenSource installs the bearer token supplier for job status requests.
func (c *Client) SetTokenSource(fn func() string) {
	c.tokenFunc = fn
}

type validateResponse struct {
	Valid bool   `json:"valid"`
	Token string `json:"token,omitempty"`
}

// Validate implements refresh.Validator. A definitive rejection maps to a
// 401 StatusError; transport failures map to status 0 so the refresh service
// classifies them as network errors.
func (c *Client) Validate(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/validate", nil)
	if err != nil {
		return "", fmt.Errorf("authapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &refresh.StatusError{Status: 0, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiLog.Debug("validate_rejected", slog.Int("status", resp.StatusCode))
		return "", &refresh.StatusError{Status: resp.StatusCode}
	}

	var body validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("authapi: decode validate response: %w", err)
	}
	if !body.Valid {
		// The backend answered 200 but declared the token dead.
		return "", &refresh.StatusError{Status: http.StatusUnauthorized, Detail: "token rejected"}
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return token, nil
}

type jobStatusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// PollJobStatus implements task.StatusPoller.
func (c *Client) PollJobStatus(ctx context.Context, id string) (task.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+id+"/status", nil)
	if err != nil {
		return task.PollResult{}, fmt.Errorf("authapi: build request: %w", err)
	}
	if c.tokenFunc != nil {
		if tok := c.tokenFunc(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return task.PollResult{}, fmt.Errorf("authapi: poll job %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return task.PollResult{}, fmt.Errorf("authapi: poll job %s: status %d", id, resp.StatusCode)
	}

	var body jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return task.PollResult{}, fmt.Errorf("authapi: decode job status: %w", err)
	}

	status := task.Status(body.Status)
	if !status.Valid() {
		return task.PollResult{}, fmt.Errorf("authapi: job %s reported unknown status %q", id, body.Status)
	}
	return task.PollResult{Status: status, Progress: body.Progress, Message: body.Message}, nil
}
