// Package interrupts validates, persists and applies control signals against
// running plan executions. Dispatch by interrupt type is a closed set built
// once at construction; there is no runtime registration of new types.
package interrupts

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/propagation"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/internal/waitnotify"
	"github.com/rendis/conduct/pkg/schema"
)

// RegisterRequest is the input to interrupt registration.
type RegisterRequest struct {
	Type            schema.InterruptType   `json:"type"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"` // "" = plan-wide
	Config          schema.InterruptConfig `json:"config"`
	CreatedBy       string                 `json:"created_by,omitempty"`
}

// Registry is the single entry point for interrupts. Validation happens
// before persistence; handling happens after, through the type's handler.
// Between the two, plan-wide pause/abort moves the plan into its *-ing
// status so concurrent node completions see the in-progress signal.
type Registry struct {
	store      store.Store
	nodes      *execution.NodeExecutionService
	plans      *execution.PlanExecutionService
	propagator propagation.Propagator
	bridge     *waitnotify.Bridge
	handlers   map[schema.InterruptType]Handler
	logger     *slog.Logger
}

// NewRegistry wires the handler set and registers the pause-resume callback
// with the bridge.
func NewRegistry(st store.Store, nodes *execution.NodeExecutionService, plans *execution.PlanExecutionService, propagator propagation.Propagator, bridge *waitnotify.Bridge, pool *WorkerPool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	deps := &handlerDeps{
		store:      st,
		nodes:      nodes,
		plans:      plans,
		propagator: propagator,
		bridge:     bridge,
		pool:       pool,
		logger:     logger,
	}
	r := &Registry{
		store:      st,
		nodes:      nodes,
		plans:      plans,
		propagator: propagator,
		bridge:     bridge,
		logger:     logger,
		handlers: map[schema.InterruptType]Handler{
			schema.InterruptPauseAll:      &pauseHandler{deps},
			schema.InterruptPause:         &pauseHandler{deps},
			schema.InterruptAbortAll:      &abortHandler{deps},
			schema.InterruptAbort:         &abortHandler{deps},
			schema.InterruptResumeAll:     &resumeHandler{deps},
			schema.InterruptRetry:         &retryHandler{deps},
			schema.InterruptMarkExpired:   &markExpiredHandler{deps},
			schema.InterruptMarkSuccess:   &markSuccessHandler{deps},
			schema.InterruptIgnore:        &ignoreHandler{deps},
			schema.InterruptCustomFailure: &customFailureHandler{deps},
		},
	}
	bridge.RegisterCallbackHandler(CallbackTypeNodeResume, r.resumeNodeCallback)
	return r
}

// RegisterInterrupt validates the request against active interrupts and the
// plan's status, persists the interrupt REGISTERED, and for plan-wide
// pause/abort moves the plan into PAUSING/DISCONTINUING immediately.
func (r *Registry) RegisterInterrupt(ctx context.Context, req RegisterRequest) (*store.Interrupt, error) {
	if _, ok := r.handlers[req.Type]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "unknown interrupt type %q", req.Type)
	}
	if req.PlanExecutionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "plan execution id is required")
	}
	if req.Type.IsPlanLevel() && req.NodeExecutionID != "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "%s is plan-wide, node id not allowed", req.Type)
	}
	if !req.Type.IsPlanLevel() && req.NodeExecutionID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "%s requires a node execution id", req.Type)
	}

	plan, err := r.plans.Get(ctx, req.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if schema.IsFinalStatus(plan.Status) {
		return nil, schema.NewErrorf(schema.ErrCodePlanAlreadyFinished,
			"plan %s already finished with %s", plan.UUID, plan.Status)
	}

	if err := r.checkConflicts(ctx, req); err != nil {
		return nil, err
	}

	interrupt := &store.Interrupt{
		UUID:            uuid.New().String(),
		Type:            req.Type,
		State:           schema.InterruptRegistered,
		PlanExecutionID: req.PlanExecutionID,
		NodeExecutionID: req.NodeExecutionID,
		Config:          req.Config,
		CreatedBy:       req.CreatedBy,
	}
	if err := r.store.CreateInterrupt(ctx, interrupt); err != nil {
		return nil, err
	}

	// The in-progress signal goes up before any per-node effect so node
	// completions racing the fan-out already see it.
	switch req.Type {
	case schema.InterruptPauseAll:
		if _, err := r.plans.TryUpdateStatus(ctx, req.PlanExecutionID, schema.StatusPausing,
			[]schema.ExecutionStatus{schema.StatusQueued, schema.StatusRunning}); err != nil {
			return nil, err
		}
	case schema.InterruptAbortAll:
		if _, err := r.plans.TryUpdateStatus(ctx, req.PlanExecutionID, schema.StatusDiscontinuing, nil); err != nil {
			return nil, err
		}
	}

	logging.LogWith(ctx, r.logger).InfoContext(ctx, "interrupt registered",
		"interrupt_id", interrupt.UUID, "type", interrupt.Type,
		"plan_execution_id", interrupt.PlanExecutionID,
		"node_execution_id", interrupt.NodeExecutionID,
		"created_by", interrupt.CreatedBy)
	return interrupt, nil
}

// checkConflicts enforces the active-interrupt invariants and handles
// supersession of opposite-intent plan-wide interrupts.
func (r *Registry) checkConflicts(ctx context.Context, req RegisterRequest) error {
	activeStates := []schema.InterruptState{schema.InterruptRegistered, schema.InterruptProcessing}

	if req.NodeExecutionID != "" {
		existing, err := r.store.ListInterrupts(ctx, store.InterruptFilter{
			NodeExecutionID: req.NodeExecutionID,
			States:          activeStates,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return schema.NewErrorf(schema.ErrCodeNodeInterruptAlready,
				"node %s already has an active %s interrupt", req.NodeExecutionID, existing[0].Type).
				WithNode(req.NodeExecutionID)
		}
		return nil
	}

	planWide, err := r.store.ListInterrupts(ctx, store.InterruptFilter{
		PlanExecutionID: req.PlanExecutionID,
		PlanWideOnly:    true,
		States:          activeStates,
	})
	if err != nil {
		return err
	}
	for _, existing := range planWide {
		if existing.Type == schema.InterruptAbortAll {
			return schema.NewErrorf(schema.ErrCodeAbortAllAlready,
				"plan %s already has an active ABORT_ALL", req.PlanExecutionID)
		}
		if existing.Type == req.Type {
			return schema.NewError(duplicateCode(req.Type), "an interrupt of this type is already active")
		}
		if supersedes(req.Type, existing.Type) {
			// Partial effect keeps the prior interrupt's success record;
			// a still-registered one is plainly discarded.
			finalState := schema.InterruptDiscarded
			if existing.State == schema.InterruptProcessing {
				finalState = schema.InterruptProcessedSuccessfully
			}
			if err := r.store.UpdateInterruptState(ctx, existing.UUID, finalState); err != nil {
				return err
			}
			logging.LogWith(ctx, r.logger).InfoContext(ctx, "superseded prior interrupt",
				"interrupt_id", existing.UUID, "type", existing.Type, "final_state", finalState)
		}
	}
	return nil
}

func duplicateCode(t schema.InterruptType) string {
	switch t {
	case schema.InterruptPauseAll:
		return schema.ErrCodePauseAllAlready
	case schema.InterruptResumeAll:
		return schema.ErrCodeResumeAllAlready
	case schema.InterruptAbortAll:
		return schema.ErrCodeAbortAllAlready
	default:
		return schema.ErrCodeInvalidRequest
	}
}

// supersedes reports whether a new plan-wide interrupt cancels out an active
// one of opposite intent.
func supersedes(incoming, existing schema.InterruptType) bool {
	switch {
	case incoming == schema.InterruptPauseAll && existing == schema.InterruptResumeAll:
		return true
	case incoming == schema.InterruptResumeAll && existing == schema.InterruptPauseAll:
		return true
	case incoming == schema.InterruptAbortAll:
		return existing == schema.InterruptPauseAll || existing == schema.InterruptResumeAll
	default:
		return false
	}
}

// Process runs the interrupt through its handler. A success lands the
// interrupt in PROCESSED_SUCCESSFULLY; a persistence conflict puts it back
// to REGISTERED so a later pass can pick it up instead of losing it.
func (r *Registry) Process(ctx context.Context, interrupt *store.Interrupt) error {
	ctx = logging.WithInterruptID(ctx, interrupt.UUID)
	if err := r.store.UpdateInterruptState(ctx, interrupt.UUID, schema.InterruptProcessing); err != nil {
		return err
	}

	handler := r.handlers[interrupt.Type]
	var err error
	if interrupt.NodeExecutionID != "" {
		err = handler.HandleForNode(ctx, interrupt, interrupt.NodeExecutionID)
	} else {
		err = handler.HandleInterrupt(ctx, interrupt)
	}
	if err != nil {
		if schema.IsCode(err, schema.ErrCodePersistenceConflict) {
			if stateErr := r.store.UpdateInterruptState(ctx, interrupt.UUID, schema.InterruptRegistered); stateErr != nil {
				return stateErr
			}
			logging.LogWith(ctx, r.logger).WarnContext(ctx, "interrupt deferred on conflict",
				"interrupt_id", interrupt.UUID)
			return err
		}
		if stateErr := r.store.UpdateInterruptState(ctx, interrupt.UUID, schema.InterruptDiscarded); stateErr != nil {
			return stateErr
		}
		return err
	}
	return r.store.UpdateInterruptState(ctx, interrupt.UUID, schema.InterruptProcessedSuccessfully)
}

// RegisterAndProcess is the common path for callers that want the interrupt
// applied synchronously.
func (r *Registry) RegisterAndProcess(ctx context.Context, req RegisterRequest) (*store.Interrupt, error) {
	interrupt, err := r.RegisterInterrupt(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := r.Process(ctx, interrupt); err != nil {
		return interrupt, err
	}
	return r.store.GetInterrupt(ctx, interrupt.UUID)
}

// resumeNodeCallback is the bridge callback that un-pauses a node and
// propagates the resume upward.
func (r *Registry) resumeNodeCallback(ctx context.Context, cb store.CallbackRecord, _ map[string]json.RawMessage) error {
	var payload NodeResumePayload
	if err := json.Unmarshal(cb.Payload, &payload); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "corrupt node resume payload").WithCause(err)
	}
	updated, err := r.nodes.TryUpdateStatus(ctx, payload.NodeExecutionID, payload.ResumeTo,
		[]schema.ExecutionStatus{schema.StatusPaused}, nil)
	if err != nil {
		return err
	}
	if updated == nil {
		logging.LogWith(ctx, r.logger).InfoContext(ctx, "node resume lost race",
			"node_execution_id", payload.NodeExecutionID)
		return nil
	}
	return r.propagator.HandleStatusUpdate(ctx, propagation.StatusUpdateInfo{
		PlanExecutionID: updated.PlanExecutionID,
		NodeExecutionID: updated.UUID,
		FromStatus:      schema.StatusPaused,
		ToStatus:        payload.ResumeTo,
	})
}
