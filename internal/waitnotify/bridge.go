// Package waitnotify is the async resume bridge: a suspended node execution
// registers a durable wait instance carrying a serializable callback, and a
// later notification for the matching correlation id dispatches that callback.
// Suspension is never polled; resumption is always notification-driven.
package waitnotify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

// CallbackHandler resumes a suspended execution when its wait completes.
// The responses map carries the notification payload per correlation id.
type CallbackHandler func(ctx context.Context, cb store.CallbackRecord, responses map[string]json.RawMessage) error

// Bridge matches notifications against durable wait instances and dispatches
// their callbacks. Handlers are registered once at startup, keyed by callback
// type; the wait instances themselves live in the store so waits survive
// process restarts.
type Bridge struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]CallbackHandler
}

func NewBridge(st store.Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{store: st, logger: logger, handlers: make(map[string]CallbackHandler)}
}

// RegisterCallbackHandler binds a handler to a callback type. Registering the
// same type twice replaces the handler.
func (b *Bridge) RegisterCallbackHandler(callbackType string, h CallbackHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[callbackType] = h
}

// WaitForAllOn registers a callback that fires once every correlation id has
// been notified. Returns the wait instance id.
func (b *Bridge) WaitForAllOn(ctx context.Context, publisherName, nodeExecutionID string, cb store.CallbackRecord, correlationIDs ...string) (string, error) {
	if len(correlationIDs) == 0 {
		return "", schema.NewError(schema.ErrCodeInvalidRequest, "wait registration needs at least one correlation id")
	}
	if cb.Type == "" {
		return "", schema.NewError(schema.ErrCodeInvalidRequest, "wait registration needs a callback type")
	}
	wi := &store.WaitInstance{
		UUID:            uuid.New().String(),
		PublisherName:   publisherName,
		NodeExecutionID: nodeExecutionID,
		CorrelationIDs:  correlationIDs,
		Callback:        cb,
	}
	if err := b.store.CreateWaitInstance(ctx, wi); err != nil {
		return "", err
	}
	logging.LogWith(ctx, b.logger).DebugContext(ctx, "wait registered",
		"wait_instance_id", wi.UUID, "publisher", publisherName,
		"callback_type", cb.Type, "correlation_ids", len(correlationIDs))
	return wi.UUID, nil
}

// Notify marks a correlation id as done and dispatches the callbacks of every
// wait instance the notification completed. A notification that matches no
// pending wait is a no-op, which makes duplicate deliveries harmless.
func (b *Bridge) Notify(ctx context.Context, correlationID string, payload json.RawMessage) error {
	completed, err := b.store.MarkCorrelationDone(ctx, correlationID, payload)
	if err != nil {
		return err
	}
	for _, wi := range completed {
		if err := b.dispatch(ctx, wi); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) dispatch(ctx context.Context, wi *store.WaitInstance) error {
	b.mu.RLock()
	handler, ok := b.handlers[wi.Callback.Type]
	b.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"no callback handler registered for type %q (wait %s)", wi.Callback.Type, wi.UUID)
	}

	var responses map[string]json.RawMessage
	if len(wi.Responses) > 0 {
		if err := json.Unmarshal(wi.Responses, &responses); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"corrupt responses on wait %s", wi.UUID).WithCause(err)
		}
	}

	logging.LogWith(ctx, b.logger).InfoContext(ctx, "wait completed, dispatching callback",
		"wait_instance_id", wi.UUID, "callback_type", wi.Callback.Type)
	return handler(ctx, wi.Callback, responses)
}
