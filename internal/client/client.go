// internal/client/client.go
// Client for the headset fleet operator API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/backstage/services/headset/internal/core"
)

// Client talks to a running headsetctl serve instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiToken   string
}

// NewClient creates a new API client. apiToken may be empty when the server
// runs without authentication.
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error: %d %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Message)
}

// HealthStatus represents the service health
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Headsets  int       `json:"headsets"`
}

// HeadsetDetail is a snapshot plus the headset's task queue counters.
type HeadsetDetail struct {
	Headset core.HeadsetSnapshot   `json:"headset"`
	Tasks   map[string]interface{} `json:"tasks"`
}

// TaskReceipt acknowledges a queued task.
type TaskReceipt struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"`
}

// LibraryChange reports a library rescan.
type LibraryChange struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Count   int      `json:"count"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &APIError{StatusCode: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks the service health
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var health HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// --- Headset Methods ---

// ListHeadsets returns a snapshot of every connected headset.
func (c *Client) ListHeadsets(ctx context.Context) ([]core.HeadsetSnapshot, error) {
	var result struct {
		Headsets []core.HeadsetSnapshot `json:"headsets"`
		Count    int                    `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/headsets", nil, &result); err != nil {
		return nil, err
	}
	return result.Headsets, nil
}

// GetHeadset retrieves one connected headset.
func (c *Client) GetHeadset(ctx context.Context, serial string) (*HeadsetDetail, error) {
	var detail HeadsetDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/headsets/"+url.PathEscape(serial), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// SubmitTask queues action on the headset identified by serial.
func (c *Client) SubmitTask(ctx context.Context, serial string, action core.TaskKind) (*TaskReceipt, error) {
	body := map[string]string{"action": string(action)}
	var receipt TaskReceipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/headsets/"+url.PathEscape(serial)+"/tasks", body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// --- Library Methods ---

// ListLibrary returns the server's solution catalog.
func (c *Client) ListLibrary(ctx context.Context) ([]core.SolutionInLibrary, error) {
	var result struct {
		Solutions []core.SolutionInLibrary `json:"solutions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/library", nil, &result); err != nil {
		return nil, err
	}
	return result.Solutions, nil
}

// RefreshLibrary asks the server to rescan its library root.
func (c *Client) RefreshLibrary(ctx context.Context) (*LibraryChange, error) {
	var change LibraryChange
	if err := c.do(ctx, http.MethodPost, "/api/v1/library/refresh", nil, &change); err != nil {
		return nil, err
	}
	return &change, nil
}
