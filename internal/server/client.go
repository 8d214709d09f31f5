package server

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

	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/pkg/models"
)

// APIError is a non-2xx response from the relay API.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("relay api: %d %s", e.StatusCode, e.Message)
}

// Client talks to a running relay server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at addr. A bare host:port is
// treated as http.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the workflow status.
func (c *Client) Status(ctx context.Context) (orchestrator.WorkflowStatus, error) {
	var out orchestrator.WorkflowStatus
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// Circuits fetches every circuit with its policy.
func (c *Client) Circuits(ctx context.Context) ([]CircuitView, error) {
	var out []CircuitView
	err := c.do(ctx, http.MethodGet, "/v1/circuits", nil, &out)
	return out, err
}

// ResetCircuit forces agentType's circuit closed.
func (c *Client) ResetCircuit(ctx context.Context, agentType string) (CircuitView, error) {
	var out CircuitView
	err := c.do(ctx, http.MethodPost, "/v1/circuits/"+url.PathEscape(agentType)+"/reset", nil, &out)
	return out, err
}

// Pending fetches oversight requests awaiting a decision.
func (c *Client) Pending(ctx context.Context) ([]oversight.Request, error) {
	var out []oversight.Request
	err := c.do(ctx, http.MethodGet, "/v1/oversight", nil, &out)
	return out, err
}

// Decide resolves an oversight request.
func (c *Client) Decide(ctx context.Context, id string, approved bool, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/oversight/"+url.PathEscape(id)+"/decision",
		DecisionRequest{Approved: approved, Reason: reason}, nil)
}

// Submit submits a task.
func (c *Client) Submit(ctx context.Context, req TaskRequest) (orchestrator.Submission, error) {
	var out orchestrator.Submission
	err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out)
	return out, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (models.Task, error) {
	var out models.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Cancel cancels a queued task.
func (c *Client) Cancel(ctx context.Context, id string) (models.Task, error) {
	var out models.Task
	err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// DeploymentStats fetches backup deployment statistics.
func (c *Client) DeploymentStats(ctx context.Context) (backup.Statistics, error) {
	var out backup.Statistics
	err := c.do(ctx, http.MethodGet, "/v1/deployments/stats", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorBody
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
