package actions

import (
	"context"
	"encoding/json"
)

// Dispatch describes one external side effect emitted by a step. The
// engine guarantees at-least-once delivery, so every dispatch carries an
// idempotency key the receiving adapter must honor, plus run and step
// correlation for tracing on the far side.
type Dispatch struct {
	IdempotencyKey string            `json:"idempotency_key"`
	RunID          string            `json:"run_id"`
	StepPath       string            `json:"step_path"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
}

// Dispatcher delivers external actions (HTTP requests, webhooks). Bounded
// retry with backoff is the dispatcher's responsibility, not the engine's.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Dispatch) (json.RawMessage, error)
}
