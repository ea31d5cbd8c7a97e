package actions

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

	"github.com/flowline-dev/flowline/pkg/schema"
)

// Correlation headers attached to every outbound dispatch.
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderRunID          = "X-Workflow-Run-Id"
	HeaderStepPath       = "X-Workflow-Step-Path"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxAttempts     = 3
	defaultRetryDelay      = 500 * time.Millisecond
)

// HTTPConfig configures the HTTP dispatcher.
type HTTPConfig struct {
	MaxResponseBody int64
	RequestTimeout  time.Duration
	MaxAttempts     int           // bounded delegate-side retry
	RetryDelay      time.Duration // doubled per attempt
}

// HTTPDispatcher implements Dispatcher over net/http. Responses with 5xx
// status and transport errors are retried with exponential backoff up to
// MaxAttempts; the idempotency key makes the repeats safe for a compliant
// receiver.
type HTTPDispatcher struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPDispatcher creates an HTTPDispatcher with the given config.
func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultHTTPTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &HTTPDispatcher{
		config: cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Dispatch sends the request and returns a JSON summary of the response
// (status_code, body) on 2xx/3xx/4xx. 5xx and transport errors are retried.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, dispatch Dispatch) (json.RawMessage, error) {
	method := strings.ToUpper(dispatch.Method)
	if method == "" {
		method = http.MethodPost
	}
	if _, err := url.ParseRequestURI(dispatch.URL); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid dispatch url %q: %s", dispatch.URL, err.Error())
	}

	var lastErr error
	delay := d.config.RetryDelay
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		out, retryable, err := d.send(ctx, method, dispatch)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecution,
		"dispatch to %s failed after %d attempts: %s", dispatch.URL, d.config.MaxAttempts, lastErr.Error()).
		WithCause(lastErr)
}

func (d *HTTPDispatcher) send(ctx context.Context, method string, dispatch Dispatch) (json.RawMessage, bool, error) {
	var body io.Reader
	if len(dispatch.Body) > 0 {
		body = bytes.NewReader(dispatch.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, dispatch.URL, body)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
			"build dispatch request: %s", err.Error()).WithCause(err)
	}
	if len(dispatch.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range dispatch.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderIdempotencyKey, dispatch.IdempotencyKey)
	req.Header.Set(HeaderRunID, dispatch.RunID)
	req.Header.Set(HeaderStepPath, dispatch.StepPath)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, true, schema.NewErrorf(schema.ErrCodeExecution,
			"dispatch request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, d.config.MaxResponseBody))
	if err != nil {
		return nil, true, schema.NewErrorf(schema.ErrCodeExecution,
			"read dispatch response: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, schema.NewErrorf(schema.ErrCodeExecution,
			"dispatch returned %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return nil, false, schema.NewErrorf(schema.ErrCodeExecution,
			"dispatch rejected with %s", resp.Status)
	}

	summary := map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
	}
	if len(respBody) > 0 {
		var decoded any
		if json.Unmarshal(respBody, &decoded) == nil {
			summary["body"] = decoded
		} else {
			summary["body"] = string(respBody)
		}
	}

	out, err := json.Marshal(summary)
	if err != nil {
		return nil, false, fmt.Errorf("encode dispatch summary: %w", err)
	}
	return out, false, nil
}
