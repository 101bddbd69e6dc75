package vmmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client is an HTTP client for the VM lifecycle manager API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// Config holds VM manager client configuration
type Config struct {
	BaseURL string
	Token   string        // Service token (Bearer token)
	Timeout time.Duration // HTTP request timeout (default: 2 minutes)

	MaxRetries    int           // Retries for transient failures (default: 3, negative disables)
	RetryDelay    time.Duration // Initial retry delay (default: 1s)
	RetryMaxDelay time.Duration // Maximum backoff delay (default: 30s)
}

// NewClient creates a VM manager client with production defaults.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 1 * time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger:        logger,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

type createResponse struct {
	IDs []string `json:"ids"`
}

// Create provisions instances. Not retried: provisioning is not idempotent
// and a duplicate launch would bill twice.
func (c *Client) Create(ctx context.Context, req CreateRequest) ([]string, error) {
	c.logger.Info("creating instances via VM manager",
		zap.String("resource_type", req.ResourceType),
		zap.Int("node_count", req.NodeCount),
		zap.String("owner", req.Owner),
	)

	var result createResponse
	if err := c.doRequest(ctx, "POST", "/api/v1/instances", req, &result); err != nil {
		c.logger.Error("failed to create instances",
			zap.String("owner", req.Owner),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Info("instances created",
		zap.Strings("ids", result.IDs),
	)
	return result.IDs, nil
}

// Exists reports whether the manager still knows the instance.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.State(ctx, id)
	if errors.Is(err, ErrDoesNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// State returns the manager's current view of the instance.
func (c *Client) State(ctx context.Context, id string) (*InstanceState, error) {
	var result InstanceState
	err := c.doRequestWithRetry(ctx, "GET", "/api/v1/instances/"+url.PathEscape(id), nil, &result)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrDoesNotExist
		}
		return nil, &ManageError{Op: "state", InstanceID: id, Err: err}
	}
	return &result, nil
}

// Terminate tears the instance down. Safe to retry: the manager answers
// 404 for an already-gone id.
func (c *Client) Terminate(ctx context.Context, id, owner string) error {
	c.logger.Info("terminating instance via VM manager",
		zap.String("instance_id", id),
		zap.String("owner", owner),
	)

	path := "/api/v1/instances/" + url.PathEscape(id) + "?owner=" + url.QueryEscape(owner)
	err := c.doRequestWithRetry(ctx, "DELETE", path, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return ErrDoesNotExist
		}
		return &ManageError{Op: "terminate", InstanceID: id, Err: err}
	}
	return nil
}

// APIError is a non-2xx response from the manager API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vm manager API error %d: %s", e.StatusCode, e.Message)
}

// doRequestWithRetry executes an HTTP request with exponential backoff retry logic
func (c *Client) doRequestWithRetry(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.logger.Debug("retrying request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, method, path, body, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !c.isRetryable(err) {
			return err
		}

		c.logger.Warn("request failed, will retry",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

// doRequest executes a single HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	reqURL := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// calculateBackoff calculates exponential backoff delay with jitter
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}

	// +-25% jitter to prevent thundering herd
	jitter := float64(delay) * 0.25
	delay += time.Duration(jitter * (2*rand.Float64() - 1))
	return delay
}

// isRetryable determines if an error should trigger a retry
func (c *Client) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Retry server errors and throttling, never client errors
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}

	// Network-level failures are retryable
	return true
}
