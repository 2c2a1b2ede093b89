package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	planExecutionIDKey ctxKey = iota
	nodeExecutionIDKey
	interruptIDKey
)

// WithPlanExecutionID returns a context with the plan execution ID set.
func WithPlanExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planExecutionIDKey, id)
}

// WithNodeExecutionID returns a context with the node execution ID set.
func WithNodeExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeExecutionIDKey, id)
}

// WithInterruptID returns a context with the interrupt ID set.
func WithInterruptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interruptIDKey, id)
}

// PlanExecutionID extracts the plan execution ID from the context, or "".
func PlanExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(planExecutionIDKey).(string)
	return v
}

// NodeExecutionID extracts the node execution ID from the context, or "".
func NodeExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(nodeExecutionIDKey).(string)
	return v
}

// InterruptID extracts the interrupt ID from the context, or "".
func InterruptID(ctx context.Context) string {
	v, _ := ctx.Value(interruptIDKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if pID := PlanExecutionID(ctx); pID != "" {
		logger = logger.With(slog.String("plan_execution_id", pID))
	}
	if nID := NodeExecutionID(ctx); nID != "" {
		logger = logger.With(slog.String("node_execution_id", nID))
	}
	if iID := InterruptID(ctx); iID != "" {
		logger = logger.With(slog.String("interrupt_id", iID))
	}
	return logger
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
	if v := PlanExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String("plan_execution_id", v))
	}
	if v := NodeExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String("node_execution_id", v))
	}
	if v := InterruptID(ctx); v != "" {
		r.AddAttrs(slog.String("interrupt_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
