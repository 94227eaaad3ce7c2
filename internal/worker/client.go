package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"edgeguard/internal/failures"
	"edgeguard/internal/models"
)

// Client calls a worker's HTTP API and classifies every failure
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client whose calls are bounded by timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Detect posts one detection request
func (c *Client) Detect(ctx context.Context, req models.DetectRequest) (*models.DetectResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, failures.E(failures.InputError, "detect", fmt.Errorf("failed to marshal request: %w", err))
	}

	var resp models.DetectResponse
	if err := c.do(ctx, http.MethodPost, "/detect", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches GET /status
func (c *Client) Status(ctx context.Context) (*models.WorkerStatus, error) {
	var status models.WorkerStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := strings.TrimPrefix(path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return failures.E(failures.InputError, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failures.E(failures.TransientWorkerError, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failures.E(failures.TransientWorkerError, op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 300 {
		return failures.E(kindForStatus(resp.StatusCode), op, responseError(resp.Status, data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failures.E(failures.WorkerInternalError, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func kindForStatus(code int) failures.Kind {
	switch {
	case code == http.StatusServiceUnavailable:
		return failures.TransientWorkerError
	case code >= 400 && code < 500:
		return failures.InputError
	default:
		return failures.WorkerInternalError
	}
}

func responseError(status string, body []byte) error {
	var er models.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return fmt.Errorf("worker returned %s: %s", status, er.Error)
	}
	return errors.New("worker returned " + status)
}
