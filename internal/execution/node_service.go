package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

// NodeExecutionService owns all node execution status mutations. Every status
// change goes through a guarded store update whose allowed set is intersected
// with the reverse transition table, so an illegal transition can never be
// persisted no matter what the caller passes.
type NodeExecutionService struct {
	store  store.Store
	cfg    ServiceConfig
	logger *slog.Logger
}

func NewNodeExecutionService(st store.Store, cfg ServiceConfig, logger *slog.Logger) *NodeExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeExecutionService{store: st, cfg: cfg.withDefaults(), logger: logger}
}

// Start creates a node execution in NOT_STARTED under the given plan and
// ambiance, then moves it to QUEUED.
func (s *NodeExecutionService) Start(ctx context.Context, amb schema.Ambiance, params NodeStartParams) (*store.NodeExecution, error) {
	level := amb.CurrentLevel()
	if level == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "ambiance has no levels")
	}
	node := &store.NodeExecution{
		UUID:            level.RuntimeID,
		PlanExecutionID: amb.PlanExecutionID,
		Ambiance:        amb,
		Name:            params.Name,
		Identifier:      level.Identifier,
		StepType:        level.StepType,
		Group:           level.Group,
		Status:          schema.StatusNotStarted,
		StepParameters:  params.StepParameters,
	}
	if node.UUID == "" {
		node.UUID = uuid.New().String()
	}
	if err := s.store.CreateNodeExecution(ctx, node); err != nil {
		return nil, err
	}
	return s.UpdateStatus(ctx, node.UUID, schema.StatusQueued, nil, nil)
}

// NodeStartParams carries the optional fields of a new node execution.
type NodeStartParams struct {
	Name           string
	StepParameters []byte
}

// Get returns the node execution by id.
func (s *NodeExecutionService) Get(ctx context.Context, id string) (*store.NodeExecution, error) {
	return s.store.GetNodeExecution(ctx, id)
}

// List returns node executions matching the filter.
func (s *NodeExecutionService) List(ctx context.Context, filter store.NodeExecutionFilter) ([]*store.NodeExecution, error) {
	return s.store.ListNodeExecutions(ctx, filter)
}

// ListActive returns the non-terminal node executions of a plan, excluding
// superseded retry sources.
func (s *NodeExecutionService) ListActive(ctx context.Context, planExecutionID string) ([]*store.NodeExecution, error) {
	return s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		Statuses:        schema.ActiveStatuses(),
	})
}

// UpdateStatus transitions a node to toStatus, requiring the current status to
// be both in the allowed set (nil means any legal source) and a legal source
// for toStatus. Guard failures are retried a bounded number of times; if the
// precondition still does not hold the call fails with PERSISTENCE_CONFLICT.
//
// Callers that treat a lost race as benign should use TryUpdateStatus.
func (s *NodeExecutionService) UpdateStatus(ctx context.Context, id string, toStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus, ops *store.NodeUpdateOps) (*store.NodeExecution, error) {
	effective, err := effectiveAllowed(toStatus, allowed)
	if err != nil {
		return nil, err
	}
	ops = finalizeOps(toStatus, ops)

	var lastStatus schema.ExecutionStatus
	for attempt := 0; attempt < s.cfg.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.ConflictBackoff); err != nil {
				return nil, err
			}
		}
		updated, err := s.store.UpdateNodeStatusGuarded(ctx, id, toStatus, effective, ops)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			return updated, nil
		}

		// Guard failed. Re-read to decide whether to retry.
		current, err := s.store.GetNodeExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		lastStatus = current.Status
		if current.Status == toStatus {
			// Another actor already applied this transition.
			return current, nil
		}
		if schema.IsFinalStatus(current.Status) {
			break
		}
		s.logger.DebugContext(ctx, "node status guard failed, retrying",
			"node_execution_id", id, "current", current.Status, "to", toStatus, "attempt", attempt+1)
	}
	return nil, schema.NewErrorf(schema.ErrCodePersistenceConflict,
		"node %s could not reach %s from %s", id, toStatus, lastStatus).WithNode(id)
}

// TryUpdateStatus attempts the transition exactly once and returns (nil, nil)
// when the precondition fails. This is the interrupt-handler path where being
// beaten to a node is an expected outcome, not an error.
func (s *NodeExecutionService) TryUpdateStatus(ctx context.Context, id string, toStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus, ops *store.NodeUpdateOps) (*store.NodeExecution, error) {
	effective, err := effectiveAllowed(toStatus, allowed)
	if err != nil {
		return nil, err
	}
	return s.store.UpdateNodeStatusGuarded(ctx, id, toStatus, effective, finalizeOps(toStatus, ops))
}

// MarkLeavesDiscontinuing moves every active leaf of the plan to
// DISCONTINUING as the first phase of an abort or expiry cascade. Leaves
// already past the point of no return keep their status; the count of nodes
// actually moved is returned.
func (s *NodeExecutionService) MarkLeavesDiscontinuing(ctx context.Context, planExecutionID string) (int, error) {
	leaves, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		Statuses:        schema.StatusesAbleToReach(schema.StatusDiscontinuing),
		Group:           schema.GroupStep,
	})
	if err != nil {
		return 0, err
	}
	log := logging.LogWith(ctx, s.logger)
	moved := 0
	for _, leaf := range leaves {
		updated, err := s.TryUpdateStatus(ctx, leaf.UUID, schema.StatusDiscontinuing,
			[]schema.ExecutionStatus{leaf.Status}, nil)
		if err != nil {
			return moved, err
		}
		if updated != nil {
			moved++
		}
	}
	log.InfoContext(ctx, "marked leaves discontinuing",
		"plan_execution_id", planExecutionID, "moved", moved, "leaves", len(leaves))
	return moved, nil
}

// ErrorOut forces a node into ERRORED with the given failure, recording the
// end timestamp. Used when an internal fault (not a step failure) kills the
// node.
func (s *NodeExecutionService) ErrorOut(ctx context.Context, id string, failure *schema.FailureInfo) (*store.NodeExecution, error) {
	now := time.Now().UTC()
	return s.UpdateStatus(ctx, id, schema.StatusErrored, nil, &store.NodeUpdateOps{
		SetFailureInfo: failure,
		SetEndedAt:     &now,
	})
}

// RetryNode spawns a fresh node execution replacing a broken one. The old
// node is marked retried so default listings skip it, and the new node starts
// life QUEUED with an incremented retry count.
func (s *NodeExecutionService) RetryNode(ctx context.Context, id string) (*store.NodeExecution, error) {
	old, err := s.store.GetNodeExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !schema.IsBrokenStatus(old.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest,
			"node %s is %s, only broken nodes can be respawned", id, old.Status).WithNode(id)
	}

	newID := uuid.New().String()
	amb := old.Ambiance
	if lvl := amb.CurrentLevel(); lvl != nil {
		relabeled := *lvl
		relabeled.RuntimeID = newID
		amb = retagCurrentLevel(amb, relabeled)
	}
	fresh := &store.NodeExecution{
		UUID:            newID,
		PlanExecutionID: old.PlanExecutionID,
		Ambiance:        amb,
		Name:            old.Name,
		Identifier:      old.Identifier,
		StepType:        old.StepType,
		Group:           old.Group,
		Status:          schema.StatusNotStarted,
		StepParameters:  old.StepParameters,
		RetryCount:      old.RetryCount + 1,
		RetriedNodeID:   old.UUID,
	}
	if err := s.store.CreateNodeExecution(ctx, fresh); err != nil {
		return nil, err
	}
	// Bookkeeping on the terminal source node bypasses the transition table.
	if err := s.markRetired(ctx, old); err != nil {
		return nil, err
	}
	queued, err := s.UpdateStatus(ctx, newID, schema.StatusQueued, nil, nil)
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "node respawned for retry",
		"node_execution_id", old.UUID, "new_node_execution_id", newID, "retry_count", fresh.RetryCount)
	return queued, nil
}

func (s *NodeExecutionService) markRetired(ctx context.Context, old *store.NodeExecution) error {
	_, err := s.store.UpdateNodeStatusGuarded(ctx, old.UUID, old.Status,
		[]schema.ExecutionStatus{old.Status}, &store.NodeUpdateOps{MarkRetried: true})
	return err
}

func effectiveAllowed(toStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus) ([]schema.ExecutionStatus, error) {
	reachable := schema.StatusesAbleToReach(toStatus)
	if len(reachable) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "no status can reach %s", toStatus)
	}
	if allowed == nil {
		return reachable, nil
	}
	var out []schema.ExecutionStatus
	for _, st := range allowed {
		if schema.StatusIn(st, reachable) {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"none of the allowed statuses can reach %s", toStatus)
	}
	return out, nil
}

// finalizeOps stamps lifecycle timestamps implied by the target status.
func finalizeOps(toStatus schema.ExecutionStatus, ops *store.NodeUpdateOps) *store.NodeUpdateOps {
	switch {
	case toStatus == schema.StatusRunning:
		if ops == nil {
			ops = &store.NodeUpdateOps{}
		}
		if ops.SetStartedAt == nil {
			now := time.Now().UTC()
			ops.SetStartedAt = &now
		}
	case schema.IsFinalStatus(toStatus):
		if ops == nil {
			ops = &store.NodeUpdateOps{}
		}
		if ops.SetEndedAt == nil {
			now := time.Now().UTC()
			ops.SetEndedAt = &now
		}
	}
	return ops
}

func retagCurrentLevel(amb schema.Ambiance, level schema.Level) schema.Ambiance {
	levels := make([]schema.Level, len(amb.Levels))
	copy(levels, amb.Levels)
	levels[len(levels)-1] = level
	return schema.Ambiance{
		PlanExecutionID:     amb.PlanExecutionID,
		PipelineExecutionID: amb.PipelineExecutionID,
		Levels:              levels,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
