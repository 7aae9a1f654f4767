// Package encoding talks to the external transcoding service.
package encoding

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
)

// Job states reported by the service.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// Encoder submits transcode jobs and reports on them.
type Encoder interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, handle string) (*Job, error)
}

type Rendition struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type SubmitRequest struct {
	Bucket       string      `json:"bucket"`
	Key          string      `json:"key"`
	VersionID    string      `json:"version_id,omitempty"`
	OutputPrefix string      `json:"output_prefix"`
	Renditions   []Rendition `json:"renditions"`
	// CallbackRef is echoed back so the poller can find the owning step.
	CallbackRef string `json:"callback_ref,omitempty"`
}

type Artifact struct {
	Rendition string `json:"rendition"`
	Key       string `json:"key"`
	Size      int64  `json:"size"`
}

type Job struct {
	Handle    string     `json:"handle"`
	State     string     `json:"state"`
	Error     string     `json:"error,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

func (j *Job) Done() bool {
	switch j.State {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

type Client struct {
	baseURL string
	http    *http.Client
}

var _ Encoder = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Submit(ctx context.Context, in SubmitRequest) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("encoding: base URL is not configured")
	}
	if strings.TrimSpace(in.Key) == "" {
		return "", fmt.Errorf("encoding: key is required")
	}
	if len(in.Renditions) == 0 {
		return "", fmt.Errorf("encoding: at least one rendition is required")
	}

	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var job Job
	if err := c.do(req, &job); err != nil {
		return "", err
	}
	if strings.TrimSpace(job.Handle) == "" {
		return "", fmt.Errorf("encoding: response carried no job handle")
	}
	return job.Handle, nil
}

func (c *Client) Poll(ctx context.Context, handle string) (*Job, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, fmt.Errorf("encoding: handle is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, err
	}

	var job Job
	if err := c.do(req, &job); err != nil {
		return nil, err
	}
	if job.Handle == "" {
		job.Handle = handle
	}
	return &job, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("encoding: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return fmt.Errorf("encoding: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("encoding: decode response: %w", err)
	}
	return nil
}
