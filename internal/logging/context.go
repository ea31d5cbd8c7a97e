package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	workflowKey
	tenantIDKey
	workerIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithWorkflow returns a context with the workflow logical name set.
func WithWorkflow(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workflowKey, name)
}

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithWorkerID returns a context with the queue worker ID set.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Workflow extracts the workflow logical name from the context, or "" if absent.
func Workflow(ctx context.Context) string {
	v, _ := ctx.Value(workflowKey).(string)
	return v
}

// TenantID extracts the tenant ID from the context, or "" if absent.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// WorkerID extracts the worker ID from the context, or "" if absent.
func WorkerID(ctx context.Context) string {
	v, _ := ctx.Value(workerIDKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := Workflow(ctx); v != "" {
		r.AddAttrs(slog.String("workflow", v))
	}
	if v := TenantID(ctx); v != "" {
		r.AddAttrs(slog.String("tenant_id", v))
	}
	if v := WorkerID(ctx); v != "" {
		r.AddAttrs(slog.String("worker_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
