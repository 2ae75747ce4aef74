package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// workerSecretHeader authenticates worker webhooks to the controller.
const workerSecretHeader = "X-GridForge-Worker-Secret"

// ErrConflict means the controller rejected the report because the job
// is already terminal or the transition is not legal. The dispatch is
// spent; the worker should drop it rather than retry.
var ErrConflict = errors.New("heartbeat: report conflicts with job state")

// Client posts heartbeats and status reports to the controller API.
type Client struct {
	baseURL    string
	secret     string
	workerID   string
	httpClient *http.Client
}

// ClientConfig holds configuration for the controller client.
type ClientConfig struct {
	// BaseURL is the controller API base URL (e.g. "http://controller:8090")
	BaseURL string

	// Secret is the shared worker secret
	Secret string

	// WorkerID identifies this worker in reports
	WorkerID string

	// Timeout is the per-request timeout (default: 10s)
	Timeout time.Duration
}

// NewClient creates a controller client for the worker.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		secret:     cfg.Secret,
		workerID:   cfg.WorkerID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Send posts one billing heartbeat and returns the controller's
// directive. A transport error leaves the tick unbilled; the supervisor
// retries the same tick sequence on the next interval, which the
// controller's idempotent debit absorbs.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	req.WorkerID = c.workerID
	req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	var resp Response
	if err := c.post(ctx, "/api/v1/internal/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportStatus posts a status change for a job. Terminal reports double
// as kill acknowledgments.
func (c *Client) ReportStatus(ctx context.Context, report StatusReport) error {
	report.WorkerID = c.workerID
	path := fmt.Sprintf("/api/v1/internal/jobs/%s/status", report.JobID)
	return c.post(ctx, path, report, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(workerSecretHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrConflict, bytes.TrimSpace(msg))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// SecretHeader returns the header name carrying the worker secret, for
// the controller side to validate.
func SecretHeader() string { return workerSecretHeader }
