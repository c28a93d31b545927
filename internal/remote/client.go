// Package remote is the generic CRUD surface over the project data API.
// The core never assumes which storage engine answers on the other side.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/obrasync/obrasync/internal/models"
)

const (
	defaultMaxAttempts  = 3
	defaultBackoffBase  = 500 * time.Millisecond
	defaultHTTPTimeout  = 30 * time.Second
	maxErrorBodyPreview = 512
)

// Pagination controls server-side paging when the plan pushes it there.
type Pagination struct {
	Page     int `json:"page,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

// Request is the operation payload for Execute.
type Request struct {
	ID         string            `json:"id,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
	Pagination *Pagination       `json:"pagination,omitempty"`
}

// Response is the generic API reply.
type Response struct {
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Executor is the CRUD contract consumed by the offline queue and the
// smart cache fetchers.
type Executor interface {
	Execute(ctx context.Context, table string, op models.Operation, req Request) (*Response, error)
}

// Client talks to the remote data API over JSON HTTP. Retryable failures
// are retried with exponential backoff before surfacing; rate limits honor
// the server-supplied delay.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) { c.maxAttempts = n }
}

func WithBackoffBase(d time.Duration) ClientOption {
	return func(c *Client) { c.backoffBase = d }
}

func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		token:       token,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type executePayload struct {
	Table     string           `json:"table"`
	Operation models.Operation `json:"operation"`
	Request
}

// Execute runs one CRUD operation. Non-retryable failures return
// immediately; retryable ones are attempted up to the configured bound.
func (c *Client) Execute(ctx context.Context, table string, op models.Operation, req Request) (*Response, error) {
	payload := executePayload{Table: table, Operation: op, Request: req}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.waitBackoff(ctx, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		resp, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if apiErr, ok := AsAPIError(err); ok && !apiErr.Retryable() {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/data", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, newAPIError(KindNetwork, err.Error())
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, newAPIError(KindNetwork, err.Error())
	}

	if httpResp.StatusCode != http.StatusOK {
		preview := string(data)
		if len(preview) > maxErrorBodyPreview {
			preview = preview[:maxErrorBodyPreview]
		}
		return nil, classifyStatus(httpResp.StatusCode, preview, httpResp.Header)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, newAPIError(KindServer, "invalid response body: "+err.Error())
	}
	if !resp.OK {
		return nil, newAPIError(KindServer, resp.Message)
	}
	return &resp, nil
}

// waitBackoff sleeps before a retry: exponential from the base delay, or
// the server-provided Retry-After when the last failure was a rate limit.
func (c *Client) waitBackoff(ctx context.Context, attempt int, lastErr error) error {
	delay := c.backoffBase << (attempt - 1)
	if apiErr, ok := AsAPIError(lastErr); ok && apiErr.RetryAfter > 0 {
		delay = apiErr.RetryAfter
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
