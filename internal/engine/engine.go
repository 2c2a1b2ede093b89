// Package engine wires the execution core together: store, execution
// services, interrupt registry, adviser chain, propagation, the wait/notify
// bridge and the background sweeps. It is the single construction point; the
// packages underneath never reference each other's concrete wiring.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/conduct/internal/advise"
	"github.com/rendis/conduct/internal/cleanup"
	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/interrupts"
	"github.com/rendis/conduct/internal/propagation"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/internal/waitnotify"
)

// Config aggregates the tunables of every layer.
type Config struct {
	Execution   execution.ServiceConfig
	Propagation propagation.Config
	Retention   cleanup.RetentionConfig
	// PoolSize bounds plan-wide interrupt fan-out concurrency.
	PoolSize int
	// SweepInterval is how often the timeout monitor checks for expired
	// intervention waits.
	SweepInterval time.Duration
	// Strategies resolves failure strategies per execution scope.
	Strategies advise.FailureStrategyResolver
}

// Engine is the assembled execution core.
type Engine struct {
	Store      store.Store
	Nodes      *execution.NodeExecutionService
	Plans      *execution.PlanExecutionService
	Registry   *interrupts.Registry
	Bridge     *waitnotify.Bridge
	Inputs     *waitnotify.InputService
	Propagator *propagation.Router
	Adviser    *advise.Engine
	Retention  *cleanup.Service

	pool              *interrupts.WorkerPool
	monitor           *interrupts.TimeoutMonitor
	retentionSchedule string
	logger            *slog.Logger
}

func New(st store.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
	if cfg.Strategies == nil {
		cfg.Strategies = &advise.StaticResolver{}
	}

	nodes := execution.NewNodeExecutionService(st, cfg.Execution, logger)
	plans := execution.NewPlanExecutionService(st, cfg.Execution, logger)
	router := propagation.NewRouter(st, plans, cfg.Propagation, logger)
	bridge := waitnotify.NewBridge(st, logger)
	pool := interrupts.NewWorkerPool(cfg.PoolSize)
	registry := interrupts.NewRegistry(st, nodes, plans, router, bridge, pool, logger)

	e := &Engine{
		Store:      st,
		Nodes:      nodes,
		Plans:      plans,
		Registry:   registry,
		Bridge:     bridge,
		Inputs:     waitnotify.NewInputService(st, nodes, bridge, logger),
		Propagator: router,
		Adviser: advise.NewEngine(logger,
			advise.NewRetryAdviser(cfg.Strategies),
			advise.NewManualInterventionAdviser(cfg.Strategies)),
		Retention:         cleanup.NewService(st, cfg.Retention, logger),
		pool:              pool,
		monitor:           interrupts.NewTimeoutMonitor(st, registry, cfg.SweepInterval, logger),
		retentionSchedule: cfg.Retention.Schedule,
		logger:            logger,
	}
	bridge.RegisterCallbackHandler(waitnotify.CallbackTypeInputResume, e.inputResumeCallback)
	return e
}

// Start launches the background loops. The retention loop only starts when a
// schedule is configured.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.monitor.Start(ctx); err != nil {
		return err
	}
	if e.retentionSchedule != "" {
		if err := e.Retention.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts the background loops and drains the fan-out pool.
func (e *Engine) Stop() {
	e.monitor.Stop()
	e.Retention.Stop()
	e.pool.Shutdown()
}
