package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/renderfarm/pkg/api"
	"github.com/cuemby/renderfarm/pkg/events"
	"github.com/cuemby/renderfarm/pkg/health"
	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/types"
	"gopkg.in/yaml.v3"
)

// APIError is a non-2xx reply from the farm API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("farm API returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a farm's HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the farm at addr, given as host:port or
// a full URL
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the API root the client sends requests to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WaitReady polls /live until the farm answers or ctx ends
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	checker := health.NewHTTPChecker(c.baseURL + "/live").WithTimeout(interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result := checker.Check(ctx)
		if result.Healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("farm at %s not ready: %s", c.baseURL, result.Message)
		case <-ticker.C:
		}
	}
}

// Status returns the farm summary
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListNodes returns the node registry
func (c *Client) ListNodes(ctx context.Context) ([]types.Node, error) {
	var out []types.Node
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddNode registers a node that does not send beacons
func (c *Client) AddNode(ctx context.Context, address string) error {
	body, err := json.Marshal(api.AddNodeRequest{Address: address})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/nodes", "application/json", body, nil)
}

// ListJobs returns finished, current and queued jobs
func (c *Client) ListJobs(ctx context.Context) ([]types.JobRecord, error) {
	var out []types.JobRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddJob submits a job. Paths in cfg are used as is by the farm, so they
// should be absolute.
func (c *Client) AddJob(ctx context.Context, cfg job.Config) (*types.JobRecord, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	var out types.JobRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", "application/yaml", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentJob returns the running job and its sessions, or nil when idle
func (c *Client) CurrentJob(ctx context.Context) (*api.CurrentJobResponse, error) {
	var out api.CurrentJobResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/current", "", nil, &out)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StopCurrentJob stops the current job after a final merge
func (c *Client) StopCurrentJob(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/current/stop", "", nil, nil)
}

// MergeCurrentJob forces a film merge on the current job
func (c *Client) MergeCurrentJob(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/current/merge", "", nil, nil)
}

// Events calls fn for every farm event until ctx ends, the farm closes the
// stream or fn returns an error. only narrows the stream when given.
func (c *Client) Events(ctx context.Context, fn func(*events.Event) error, only ...events.EventType) error {
	path := "/api/v1/events"
	if len(only) > 0 {
		names := make([]string, len(only))
		for i, t := range only {
			names[i] = string(t)
		}
		path += "?type=" + url.QueryEscape(strings.Join(names, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client's timeout would cut the stream
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach farm at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e api.ErrorResponse
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach farm at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
