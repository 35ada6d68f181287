// Package backend executes queued actions against the technician REST API.
package backend

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

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"fieldsync/internal/domain"
	"fieldsync/internal/executor"
	"fieldsync/internal/logging"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5
)

// ErrMissingField is returned, wrapped as permanent, when a payload lacks a
// value its route needs.
var ErrMissingField = errors.New("payload missing required field")

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit caps outgoing requests per second. Zero or less disables limiting.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(burst, 1))
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     logging.Component("backend"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-success response other than a conflict.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Register installs an executor for every action type the backend serves.
func (c *Client) Register(reg *executor.Registry) {
	for t, r := range routes {
		reg.Register(t, c.executorFor(t, r))
	}
}

func (c *Client) executorFor(t domain.ActionType, r route) executor.Executor {
	if t == domain.ActionUploadPhoto {
		return executor.Func(func(ctx context.Context, a domain.QueuedAction, progress executor.ProgressFunc) (*executor.ConflictInfo, error) {
			return c.uploadPhoto(ctx, r, a, progress)
		})
	}
	return executor.Func(func(ctx context.Context, a domain.QueuedAction, _ executor.ProgressFunc) (*executor.ConflictInfo, error) {
		path, body, err := r.build(a.Payload)
		if err != nil {
			return nil, executor.Permanent(err)
		}
		data, err := json.Marshal(body)
		if err != nil {
			return nil, executor.Permanent(fmt.Errorf("encode payload: %w", err))
		}
		return c.do(ctx, a, r.method, path, "application/json", bytes.NewReader(data))
	})
}

// do sends one mutation and classifies the response.
func (c *Client) do(ctx context.Context, a domain.QueuedAction, method, path, contentType string, body io.Reader) (*executor.ConflictInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, executor.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)
	req.Header.Set("X-Action-Type", string(a.Type))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug().Str("action_id", a.ID).Str("method", method).Str("path", path).Msg("backend request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode < 300:
		return nil, nil
	case resp.StatusCode == http.StatusConflict:
		server, err := decodeConflict(respBody)
		if err != nil {
			return nil, executor.Permanent(err)
		}
		return &executor.ConflictInfo{Server: server}, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody)), Endpoint: path}
	if apiErr.Retryable() {
		return nil, apiErr
	}
	return nil, executor.Permanent(apiErr)
}

// decodeConflict accepts either {"server": {...}} or the bare server state.
func decodeConflict(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := sonic.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode conflict body: %w", err)
	}
	if server, ok := doc["server"].(map[string]any); ok {
		return server, nil
	}
	return doc, nil
}
