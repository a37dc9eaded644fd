// Package client talks to the flow HTTP API and maps its failures back onto
// the store error types.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
)

// Client is a thin HTTP client for the issue API. It handles JSON
// marshaling and retries with exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. It applies to a copy of the
// http.Client, so a client passed to WithHTTPClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxRetries sets how many times a rate-limited request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client for the API rooted at baseURL
// (e.g. http://127.0.0.1:8080).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

// errorBody mirrors api.ErrorResponse.
type errorBody struct {
	Error string `json:"error"`
}

// Health checks that the server is reachable and its store is usable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

// GetAll lists every issue, newest first.
func (c *Client) GetAll(ctx context.Context) ([]model.Issue, error) {
	var issues []model.Issue
	if err := c.do(ctx, http.MethodGet, "/issues", "", nil, &issues); err != nil {
		return nil, err
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	return issues, nil
}

// Get fetches one issue.
func (c *Client) Get(ctx context.Context, id string) (*model.Issue, error) {
	var issue model.Issue
	if err := c.do(ctx, http.MethodGet, issuePath(id), id, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// Create posts a new issue. A non-empty id is sent so the server keeps the
// caller's key.
func (c *Client) Create(ctx context.Context, id string, data model.CreateIssueData) error {
	body := model.CreateIssueRequest{ID: id, CreateIssueData: data}
	return c.do(ctx, http.MethodPost, "/issues", id, body, nil)
}

// Update sends a partial update. Only the present fields are encoded.
func (c *Client) Update(ctx context.Context, id string, data model.UpdateIssueData) error {
	return c.do(ctx, http.MethodPut, issuePath(id), id, data, nil)
}

// Delete removes an issue. Deleting a missing issue succeeds.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, issuePath(id), id, nil, nil)
}

func issuePath(id string) string {
	return "/issues/" + url.PathEscape(id)
}

// do builds the request, retries on rate limiting and maps failure
// statuses onto store errors.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	id string,
	body any,
	result any,
) error {
	op := method + " " + path

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &store.StoreError{Op: op, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return &store.StoreError{Op: op, Err: fmt.Errorf("reading response body: %w", readErr)}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s", op)
			c.log.Debug("rate limited, retrying", "op", op, "attempt", attempt+1, "wait", wait)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(op, id, resp.StatusCode, respBody)
		}

		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return &store.StoreError{Op: op, Err: fmt.Errorf("unmarshaling response: %w", err)}
		}
		return nil
	}

	return &store.StoreError{
		Op:  op,
		Err: fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr),
	}
}

// statusError maps a failure status onto the store error taxonomy so
// callers can tell client faults from transient failures.
func statusError(op, id string, status int, body []byte) error {
	var payload errorBody
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		message = payload.Error
	}

	switch status {
	case http.StatusBadRequest:
		return &store.ValidationError{Message: message}
	case http.StatusNotFound:
		return &store.NotFoundError{ID: id}
	case http.StatusConflict:
		return &store.ConflictError{ID: id}
	default:
		return &store.StoreError{
			Op:  op,
			Err: fmt.Errorf("unexpected status %d: %s", status, message),
		}
	}
}

// retryAfterDuration reads the Retry-After header and falls back to
// exponential backoff when it is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// 1s, 2s, 4s, ... capped at 30s.
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
