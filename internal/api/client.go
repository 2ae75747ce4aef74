package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is the CLI's view of a controller.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a client for the controller at baseURL, acting as
// userID.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StreamURL returns the websocket endpoint for following a job's logs.
func (c *Client) StreamURL(jobID string) string {
	u := strings.Replace(c.baseURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + "/api/v1/jobs/" + jobID + "/stream"
}

// UserID returns the acting user, for websocket header construction.
func (c *Client) UserID() string { return c.userID }

// UserHeader returns the identity header name.
func UserHeader() string { return userHeader }

// Submit sends a job and returns its created record.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*JobView, error) {
	var job JobView
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, jobID string) (*JobView, error) {
	var job JobView
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists the caller's jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, status string, limit int) ([]JobView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Jobs []JobView `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Cancel requests a kill and returns the standing decision.
func (c *Client) Cancel(ctx context.Context, jobID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Logs fetches the flushed log file.
func (c *Client) Logs(ctx context.Context, jobID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/jobs/"+jobID+"/logs", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(userHeader, c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Wallet fetches the caller's balance.
func (c *Client) Wallet(ctx context.Context) (*WalletView, error) {
	var w WalletView
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallet", nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// TopUp credits the caller's wallet and returns the new balance.
func (c *Client) TopUp(ctx context.Context, amount, reference string) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	req := TopUpRequest{Amount: amount, Reference: reference}
	if err := c.do(ctx, http.MethodPost, "/api/v1/wallet/topup", req, &out); err != nil {
		return "", err
	}
	return out.Balance, nil
}

// History fetches the caller's transaction log.
func (c *Client) History(ctx context.Context, limit int) ([]TxView, error) {
	path := "/api/v1/wallet/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Transactions []TxView `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(userHeader, c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// APIError carries the controller's error payload and HTTP status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.StatusCode, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
}
