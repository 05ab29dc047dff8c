// Package deflow is a small client for the DeFlow REST API.
package deflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// HeaderDelegator carries the delegator address the API scopes every call to.
const HeaderDelegator = "X-Delegator-Address"

// Client wraps the HTTP interactions with the DeFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu        sync.RWMutex
	delegator string
}

// Node is a typed unit of work in a workflow.
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Label  string         `json:"label,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects two nodes. SourceHandle is "true" or "false" on edges
// leaving a condition node.
type Edge struct {
	ID           string `json:"id"`
	From         string `json:"from"`
	To           string `json:"to"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// WorkflowInput is the payload for creating or updating a workflow.
type WorkflowInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
	IsActive    *bool  `json:"isActive,omitempty"`
}

// Workflow is a stored workflow.
type Workflow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Step is one executed node. Output holds the handler result: "success",
// "message", "error", the "output" token amount and node-specific keys.
type Step struct {
	NodeID      string         `json:"nodeId"`
	NodeType    string         `json:"nodeType"`
	NodeLabel   string         `json:"nodeLabel,omitempty"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Execution is a workflow run.
type Execution struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflowId"`
	UserID      string     `json:"userId"`
	Identity    string     `json:"identity"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Steps       []Step     `json:"steps"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty"`
}

// Terminal reports whether the execution has finished.
func (e *Execution) Terminal() bool {
	return e != nil && (e.Status == "completed" || e.Status == "failed")
}

// ListOptions filters execution history.
type ListOptions struct {
	Limit      int
	Offset     int
	WorkflowID string
	Statuses   []string
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.WorkflowID != "" {
		q.Set("workflowId", o.WorkflowID)
	}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	return q
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("deflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("deflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the DeFlow API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetDelegator sets the delegator address sent with every call.
func (c *Client) SetDelegator(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegator = strings.TrimSpace(address)
}

// Delegator returns the configured delegator address.
func (c *Client) Delegator() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delegator
}

// CreateWorkflow stores a new workflow owned by the delegator.
func (c *Client) CreateWorkflow(ctx context.Context, in WorkflowInput) (*Workflow, error) {
	var wf Workflow
	if err := c.send(ctx, http.MethodPost, "/api/v1/workflows", nil, in, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows returns the delegator's workflows, most recently updated first.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var list []Workflow
	if err := c.send(ctx, http.MethodGet, "/api/v1/workflows", nil, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetWorkflow fetches a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.send(ctx, http.MethodGet, "/api/v1/workflows/"+id, nil, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdateWorkflow replaces a workflow's definition.
func (c *Client) UpdateWorkflow(ctx context.Context, id string, in WorkflowInput) (*Workflow, error) {
	var wf Workflow
	if err := c.send(ctx, http.MethodPut, "/api/v1/workflows/"+id, nil, in, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// DeleteWorkflow removes a workflow.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/workflows/"+id, nil, nil, nil)
}

// Execute starts a workflow run. The returned execution is still running.
func (c *Client) Execute(ctx context.Context, workflowID string) (*Execution, error) {
	var exec Execution
	endpoint := "/api/v1/workflows/" + workflowID + "/execute"
	if err := c.send(ctx, http.MethodPost, endpoint, nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecution fetches an execution with its steps.
func (c *Client) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	if err := c.send(ctx, http.MethodGet, "/api/v1/executions/"+id, nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns the delegator's execution history, newest first.
func (c *Client) ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error) {
	var list []Execution
	if err := c.send(ctx, http.MethodGet, "/api/v1/executions", opts.values(), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// WorkflowExecutions returns the execution history of one workflow.
func (c *Client) WorkflowExecutions(ctx context.Context, workflowID string, opts ListOptions) ([]Execution, error) {
	opts.WorkflowID = ""
	var list []Execution
	endpoint := "/api/v1/workflows/" + workflowID + "/executions"
	if err := c.send(ctx, http.MethodGet, endpoint, opts.values(), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// WaitForExecution polls until the execution is terminal or ctx ends.
func (c *Client) WaitForExecution(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		exec, err := c.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	delegator := c.Delegator()
	if delegator == "" {
		return nil, errors.New("deflow: delegator address is not set")
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(HeaderDelegator, delegator)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
