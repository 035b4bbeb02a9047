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

	"github.com/sonicsplit/api/internal/config"
)

// Separation task states reported by the service
const (
	SeparationQueued  = "queued"
	SeparationRunning = "running"
	SeparationDone    = "done"
	SeparationFailed  = "failed"
)

// Separator defines the operations of the stem separation service
type Separator interface {
	Submit(ctx context.Context, req *SeparationRequest) (*SeparationTask, error)
	Status(ctx context.Context, taskID string) (*SeparationStatus, error)
	HealthCheck(ctx context.Context) error
}

// SeparationClient implements Separator for the Python separation microservice
type SeparationClient struct {
	httpClient *http.Client
	baseURL    string
}

// SeparationRequest asks the service to split one source into stems and a score
type SeparationRequest struct {
	JobID      string            `json:"job_id"`
	SourceURL  string            `json:"source_url"`
	StemKeys   map[string]string `json:"stem_keys"`
	ScoreKey   string            `json:"score_key"`
	OutputBase string            `json:"output_base,omitempty"`
}

// SeparationTask identifies a submitted separation
type SeparationTask struct {
	TaskID string `json:"task_id"`
}

// SeparationStatus is the service's view of a task
type SeparationStatus struct {
	TaskID   string            `json:"task_id"`
	Status   string            `json:"status"`
	Progress int               `json:"progress"`
	Stems    map[string]string `json:"stems,omitempty"`
	ScoreURL string            `json:"score_url,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ServiceError is a non-2xx answer from the separation service
type ServiceError struct {
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("separation service error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed
func (e *ServiceError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewSeparationClient creates a new separation service client
func NewSeparationClient(cfg config.SeparationConfig) *SeparationClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SeparationClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.ServiceURL, "/"),
	}
}

// Submit starts a separation task
func (c *SeparationClient) Submit(ctx context.Context, req *SeparationRequest) (*SeparationTask, error) {
	var task SeparationTask
	if err := c.do(ctx, http.MethodPost, "/separate", req, &task); err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		return nil, fmt.Errorf("separation service returned no task id")
	}
	return &task, nil
}

// Status polls a separation task
func (c *SeparationClient) Status(ctx context.Context, taskID string) (*SeparationStatus, error) {
	var status SeparationStatus
	if err := c.do(ctx, http.MethodGet, "/separate/"+url.PathEscape(taskID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// HealthCheck checks if the separation service is available
func (c *SeparationClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("separation service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SeparationClient) IsConfigured() bool {
	return c.baseURL != ""
}

// do sends a JSON request and decodes a JSON response
func (c *SeparationClient) do(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
