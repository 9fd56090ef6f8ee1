// Package client provides a Go SDK for the worker control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Client communicates with a worker's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new control API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EnqueueRequest is the request body for submitting work.
type EnqueueRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

// WorkResponse is the API response for a submitted work item.
type WorkResponse struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	Attempt    int             `json:"attempt"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
}

// QueueMetrics mirrors the counters reported for a queue.
type QueueMetrics struct {
	QueueID     string `json:"queue_id"`
	Scheduled   int64  `json:"scheduled"`
	Running     int64  `json:"running"`
	Completed   int64  `json:"completed"`
	Canceled    int64  `json:"canceled"`
	Rescheduled int64  `json:"rescheduled"`
}

// QueueStatus is the API response describing a queue.
type QueueStatus struct {
	ID      string       `json:"id"`
	State   string       `json:"state"`
	Metrics QueueMetrics `json:"metrics"`
}

// Active reports whether the queue is handing out work.
func (s *QueueStatus) Active() bool {
	return s.State == "active"
}

// Enqueue submits work to the named queue.
func (c *Client) Enqueue(ctx context.Context, queueID string, req *EnqueueRequest) (*WorkResponse, error) {
	var resp WorkResponse
	if err := c.do(ctx, http.MethodPost, c.queuePath(queueID, "work"), req, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the state and counters of the named queue.
func (c *Client) Status(ctx context.Context, queueID string) (*QueueStatus, error) {
	var resp QueueStatus
	if err := c.do(ctx, http.MethodGet, c.queuePath(queueID, ""), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Activate resumes retrieval on the named queue.
func (c *Client) Activate(ctx context.Context, queueID string) error {
	return c.do(ctx, http.MethodPost, c.queuePath(queueID, "activate"), nil, http.StatusOK, nil)
}

// Deactivate pauses retrieval on the named queue.
func (c *Client) Deactivate(ctx context.Context, queueID string) error {
	return c.do(ctx, http.MethodPost, c.queuePath(queueID, "deactivate"), nil, http.StatusOK, nil)
}

func (c *Client) queuePath(queueID, action string) string {
	p := c.baseURL + "/api/v1/queues/" + url.PathEscape(queueID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, target string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
