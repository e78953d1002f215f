// Package functions invokes named serverless functions on the
// functions backend: execute with a JSON body, read the execution
// back. AI generation and blob-store auth both go through here.
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Execution is the state of one function run as reported by the
// backend.
type Execution struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ResponseBody string `json:"responseBody"`
	StatusCode   int    `json:"statusCode"`
}

// Execution statuses reported by the functions backend.
const (
	ExecutionWaiting    = "waiting"
	ExecutionProcessing = "processing"
	ExecutionCompleted  = "completed"
	ExecutionFailed     = "failed"
)

type Client struct {
	endpoint string
	project  string
	apiKey   string
	http     *http.Client
}

func NewClient(endpoint, project, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		project:  project,
		apiKey:   apiKey,
		http:     http.DefaultClient,
	}
}

// WithHTTPClient overrides the underlying HTTP client, for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

type executeRequest struct {
	Body  string `json:"body"`
	Async bool   `json:"async"`
}

// Execute runs the named function with the given JSON body. When async
// is true the backend returns immediately with a waiting execution.
func (c *Client) Execute(ctx context.Context, function, body string, async bool) (*Execution, error) {
	payload, err := json.Marshal(executeRequest{Body: body, Async: async})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/functions/%s/executions", c.endpoint, function)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// GetExecution fetches the current state of a previous run.
func (c *Client) GetExecution(ctx context.Context, function, executionID string) (*Execution, error) {
	url := fmt.Sprintf("%s/functions/%s/executions/%s", c.endpoint, function, executionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Execution, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Knowspace-Project", c.project)
	req.Header.Set("X-Knowspace-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("functions backend returned %d: %s", resp.StatusCode, string(data))
	}

	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}
