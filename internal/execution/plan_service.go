package execution

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

// PlanExecutionService owns plan execution status mutations, with the same
// guarded-update discipline as the node service.
type PlanExecutionService struct {
	store  store.Store
	cfg    ServiceConfig
	logger *slog.Logger
}

func NewPlanExecutionService(st store.Store, cfg ServiceConfig, logger *slog.Logger) *PlanExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanExecutionService{store: st, cfg: cfg.withDefaults(), logger: logger}
}

// Start creates a plan execution in QUEUED.
func (s *PlanExecutionService) Start(ctx context.Context, pipelineExecutionID string) (*store.PlanExecution, error) {
	plan := &store.PlanExecution{
		UUID:                uuid.New().String(),
		Status:              schema.StatusQueued,
		PipelineExecutionID: pipelineExecutionID,
	}
	if err := s.store.CreatePlanExecution(ctx, plan); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "plan execution started",
		"plan_execution_id", plan.UUID, "pipeline_execution_id", pipelineExecutionID)
	return plan, nil
}

func (s *PlanExecutionService) Get(ctx context.Context, id string) (*store.PlanExecution, error) {
	return s.store.GetPlanExecution(ctx, id)
}

func (s *PlanExecutionService) List(ctx context.Context, filter store.PlanExecutionFilter) ([]*store.PlanExecution, error) {
	return s.store.ListPlanExecutions(ctx, filter)
}

// UpdateStatus transitions a plan to toStatus under the transition table,
// retrying bounded conflicts like the node service does.
func (s *PlanExecutionService) UpdateStatus(ctx context.Context, id string, toStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus) (*store.PlanExecution, error) {
	effective, err := effectiveAllowed(toStatus, allowed)
	if err != nil {
		return nil, err
	}
	var lastStatus schema.ExecutionStatus
	for attempt := 0; attempt < s.cfg.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.ConflictBackoff); err != nil {
				return nil, err
			}
		}
		updated, err := s.store.UpdatePlanStatusGuarded(ctx, id, toStatus, effective)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			return updated, nil
		}
		current, err := s.store.GetPlanExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		lastStatus = current.Status
		if current.Status == toStatus {
			return current, nil
		}
		if schema.IsFinalStatus(current.Status) {
			break
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodePersistenceConflict,
		"plan %s could not reach %s from %s", id, toStatus, lastStatus)
}

// TryUpdateStatus attempts the transition once; (nil, nil) means the
// precondition no longer held.
func (s *PlanExecutionService) TryUpdateStatus(ctx context.Context, id string, toStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus) (*store.PlanExecution, error) {
	effective, err := effectiveAllowed(toStatus, allowed)
	if err != nil {
		return nil, err
	}
	return s.store.UpdatePlanStatusGuarded(ctx, id, toStatus, effective)
}

// ComputeStatus derives the plan-level status from its live node statuses:
// any broken node breaks the plan, any active node keeps it RUNNING, paused
// nodes make it PAUSED, otherwise all leaves succeeded.
func (s *PlanExecutionService) ComputeStatus(ctx context.Context, id string) (schema.ExecutionStatus, error) {
	nodes, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: id})
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return schema.StatusQueued, nil
	}
	var sawPaused, sawAborted bool
	for _, n := range nodes {
		switch {
		case schema.IsBrokenStatus(n.Status):
			return n.Status, nil
		case n.Status == schema.StatusAborted:
			sawAborted = true
		case n.Status == schema.StatusPaused || n.Status == schema.StatusPausing:
			sawPaused = true
		case !schema.IsFinalStatus(n.Status):
			return schema.StatusRunning, nil
		}
	}
	if sawAborted {
		return schema.StatusAborted, nil
	}
	if sawPaused {
		return schema.StatusPaused, nil
	}
	return schema.StatusSucceeded, nil
}
