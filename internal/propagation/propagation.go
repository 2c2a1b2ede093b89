// Package propagation keeps aggregate statuses consistent when a node or
// plan changes state. Escalation is bottom-up and sibling-aware: a pause of
// one stage only pauses the enclosing pipeline when every sibling stage has
// settled, and the check is re-evaluated against live state rather than
// counted from events, so delivery order across siblings does not matter.
package propagation

import (
	"context"
	"log/slog"

	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

// StatusUpdateInfo describes one applied status change.
type StatusUpdateInfo struct {
	PlanExecutionID string
	NodeExecutionID string
	FromStatus      schema.ExecutionStatus
	ToStatus        schema.ExecutionStatus
}

// Propagator reacts to a status change at one level by adjusting ancestors.
type Propagator interface {
	HandleStatusUpdate(ctx context.Context, info StatusUpdateInfo) error
}

// Config sets the sibling statuses that block escalation. The zero value
// gets sensible defaults.
type Config struct {
	// PauseBlockingStatuses are sibling stage statuses that keep a pipeline
	// from being paused: stages still making progress or already winding
	// down for another reason.
	PauseBlockingStatuses []schema.ExecutionStatus
	// ResumeBlockingStatuses are sibling stage statuses that mean the
	// pipeline is legitimately not yet resumable.
	ResumeBlockingStatuses []schema.ExecutionStatus
}

func (c Config) withDefaults() Config {
	if c.PauseBlockingStatuses == nil {
		c.PauseBlockingStatuses = []schema.ExecutionStatus{
			schema.StatusRunning, schema.StatusQueued, schema.StatusPausing,
			schema.StatusAsyncWaiting, schema.StatusTaskWaiting,
			schema.StatusInputWaiting, schema.StatusInterventionWaiting,
			schema.StatusResourceWaiting, schema.StatusDiscontinuing,
		}
	}
	if c.ResumeBlockingStatuses == nil {
		c.ResumeBlockingStatuses = []schema.ExecutionStatus{
			schema.StatusRunning, schema.StatusQueued,
			schema.StatusAsyncWaiting, schema.StatusTaskWaiting,
			schema.StatusInputWaiting, schema.StatusInterventionWaiting,
			schema.StatusResourceWaiting, schema.StatusDiscontinuing,
		}
	}
	return c
}

// NoopPropagator is used for actions with no ancestors to inform.
type NoopPropagator struct{}

func (NoopPropagator) HandleStatusUpdate(context.Context, StatusUpdateInfo) error { return nil }

// PausePropagator walks a pause upward: plan first, then the enclosing
// pipeline execution once no sibling stage is still in a blocking state.
type PausePropagator struct {
	store  store.Store
	plans  *execution.PlanExecutionService
	cfg    Config
	logger *slog.Logger
}

func NewPausePropagator(st store.Store, plans *execution.PlanExecutionService, cfg Config, logger *slog.Logger) *PausePropagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PausePropagator{store: st, plans: plans, cfg: cfg.withDefaults(), logger: logger}
}

func (p *PausePropagator) HandleStatusUpdate(ctx context.Context, info StatusUpdateInfo) error {
	log := logging.LogWith(ctx, p.logger)

	// A failed attempt means a race already moved the plan on; the registry
	// guarded against duplicate pause intents, so log and stop.
	plan, err := p.plans.TryUpdateStatus(ctx, info.PlanExecutionID, schema.StatusPaused,
		[]schema.ExecutionStatus{schema.StatusQueued, schema.StatusRunning, schema.StatusPausing})
	if err != nil {
		return err
	}
	if plan == nil {
		log.InfoContext(ctx, "plan pause lost race, not retried",
			"plan_execution_id", info.PlanExecutionID)
		plan, err = p.plans.Get(ctx, info.PlanExecutionID)
		if err != nil {
			return err
		}
	}
	if plan.PipelineExecutionID == "" {
		return nil
	}
	return p.escalate(ctx, plan.PipelineExecutionID)
}

func (p *PausePropagator) escalate(ctx context.Context, pipelineExecutionID string) error {
	blocked, err := anySiblingIn(ctx, p.store, pipelineExecutionID, p.cfg.PauseBlockingStatuses)
	if err != nil || blocked {
		return err
	}
	updated, err := p.plans.TryUpdateStatus(ctx, pipelineExecutionID, schema.StatusPaused,
		[]schema.ExecutionStatus{schema.StatusRunning, schema.StatusQueued, schema.StatusPausing})
	if err != nil {
		return err
	}
	if updated != nil {
		logging.LogWith(ctx, p.logger).InfoContext(ctx, "pipeline paused",
			"pipeline_execution_id", pipelineExecutionID)
	}
	return nil
}

// ResumePropagator is the symmetric walk: plan back to RUNNING, then the
// pipeline once no sibling stage still blocks resumption.
type ResumePropagator struct {
	store  store.Store
	plans  *execution.PlanExecutionService
	cfg    Config
	logger *slog.Logger
}

func NewResumePropagator(st store.Store, plans *execution.PlanExecutionService, cfg Config, logger *slog.Logger) *ResumePropagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResumePropagator{store: st, plans: plans, cfg: cfg.withDefaults(), logger: logger}
}

func (p *ResumePropagator) HandleStatusUpdate(ctx context.Context, info StatusUpdateInfo) error {
	plan, err := p.plans.TryUpdateStatus(ctx, info.PlanExecutionID, schema.StatusRunning,
		[]schema.ExecutionStatus{schema.StatusPaused})
	if err != nil {
		return err
	}
	if plan == nil {
		logging.LogWith(ctx, p.logger).InfoContext(ctx, "plan resume lost race, not retried",
			"plan_execution_id", info.PlanExecutionID)
		plan, err = p.plans.Get(ctx, info.PlanExecutionID)
		if err != nil {
			return err
		}
	}
	if plan.PipelineExecutionID == "" {
		return nil
	}

	blocked, err := anySiblingIn(ctx, p.store, plan.PipelineExecutionID, p.cfg.ResumeBlockingStatuses)
	if err != nil || blocked {
		return err
	}
	_, err = p.plans.TryUpdateStatus(ctx, plan.PipelineExecutionID, schema.StatusRunning,
		[]schema.ExecutionStatus{schema.StatusPaused})
	return err
}

// DiscontinuePropagator marks the plan DISCONTINUING so node completions see
// the in-progress cancellation; the final ABORTED/EXPIRED settlement happens
// when the last leaf lands.
type DiscontinuePropagator struct {
	plans  *execution.PlanExecutionService
	logger *slog.Logger
}

func NewDiscontinuePropagator(plans *execution.PlanExecutionService, logger *slog.Logger) *DiscontinuePropagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscontinuePropagator{plans: plans, logger: logger}
}

func (p *DiscontinuePropagator) HandleStatusUpdate(ctx context.Context, info StatusUpdateInfo) error {
	updated, err := p.plans.TryUpdateStatus(ctx, info.PlanExecutionID, schema.StatusDiscontinuing, nil)
	if err != nil {
		return err
	}
	if updated == nil {
		logging.LogWith(ctx, p.logger).InfoContext(ctx, "plan discontinue lost race, not retried",
			"plan_execution_id", info.PlanExecutionID)
	}
	return nil
}

func anySiblingIn(ctx context.Context, st store.Store, pipelineExecutionID string, blocking []schema.ExecutionStatus) (bool, error) {
	siblings, err := st.ListPlanExecutions(ctx, store.PlanExecutionFilter{
		PipelineExecutionID: pipelineExecutionID,
		Statuses:            blocking,
	})
	if err != nil {
		return false, err
	}
	return len(siblings) > 0, nil
}
