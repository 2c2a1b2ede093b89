package interrupts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

const defaultSweepInterval = 60 * time.Second

// TimeoutMonitor sweeps expired timeout instances and issues their follow-up
// interrupt (RETRY, MARK_EXPIRED, ...) through the registry. Going through
// registration means the follow-up is subject to the same conflict checks as
// a user-issued interrupt; there is no timeout bypass.
type TimeoutMonitor struct {
	store    store.Store
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTimeoutMonitor(st store.Store, registry *Registry, interval time.Duration, logger *slog.Logger) *TimeoutMonitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutMonitor{store: st, registry: registry, interval: interval, logger: logger}
}

// Start launches the background sweep loop.
func (m *TimeoutMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return schema.NewError(schema.ErrCodeInvalidRequest, "timeout monitor already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(sweepCtx)
	m.logger.Info("timeout monitor started", "interval", m.interval)
	return nil
}

func (m *TimeoutMonitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep fires every due timeout once. Claiming through MarkTimeoutFired
// before acting keeps concurrent sweepers from double-issuing.
func (m *TimeoutMonitor) Sweep(ctx context.Context) {
	due, err := m.store.ListExpiredTimeouts(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Error("failed to list expired timeouts", "error", err)
		return
	}
	for _, ti := range due {
		if err := m.store.MarkTimeoutFired(ctx, ti.UUID); err != nil {
			continue // another sweeper claimed it
		}
		m.fire(ctx, ti)
	}
}

func (m *TimeoutMonitor) fire(ctx context.Context, ti *store.TimeoutInstance) {
	_, err := m.registry.RegisterAndProcess(ctx, RegisterRequest{
		Type:            ti.Action,
		PlanExecutionID: ti.PlanExecutionID,
		NodeExecutionID: ti.NodeExecutionID,
		Config:          ti.Config,
		CreatedBy:       "timeout-monitor",
	})
	if err != nil {
		// A rejected registration means another actor already resolved the
		// wait; the timeout is spent either way.
		if schema.IsInvalidRequest(err) {
			m.logger.Info("timeout follow-up rejected by registry",
				"timeout_id", ti.UUID, "action", ti.Action, "reason", err.Error())
			return
		}
		m.logger.Error("timeout follow-up failed",
			"timeout_id", ti.UUID, "action", ti.Action, "error", err)
		return
	}
	m.logger.Info("timeout fired",
		"timeout_id", ti.UUID, "action", ti.Action,
		"node_execution_id", ti.NodeExecutionID)
}

// Stop halts the sweep loop and waits for it to exit.
func (m *TimeoutMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
