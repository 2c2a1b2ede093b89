package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conduct/internal/advise"
	"github.com/rendis/conduct/internal/interrupts"
	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/propagation"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/internal/waitnotify"
	"github.com/rendis/conduct/pkg/schema"
)

// HandleNodeSuccess finalizes a node, routes status propagation and settles
// the owning plan if nothing is left running under it.
func (e *Engine) HandleNodeSuccess(ctx context.Context, nodeExecutionID string) (*store.NodeExecution, error) {
	node, err := e.Nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	from := node.Status
	updated, err := e.Nodes.UpdateStatus(ctx, nodeExecutionID, schema.StatusSucceeded, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := e.propagate(ctx, updated, from); err != nil {
		return nil, err
	}
	if _, err := e.SettlePlan(ctx, updated.PlanExecutionID); err != nil {
		return nil, err
	}
	return updated, nil
}

// HandleNodeFailure runs an advise cycle before the broken status lands. The
// adviser chain may intercept the failure; when nothing answers, the status
// is applied as reported and the plan settles around it.
func (e *Engine) HandleNodeFailure(ctx context.Context, nodeExecutionID string, toStatus schema.ExecutionStatus, failure *schema.FailureInfo) (*store.NodeExecution, error) {
	if !schema.IsBrokenStatus(toStatus) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "status %s is not a failure status", toStatus)
	}
	node, err := e.Nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	if schema.IsFinalStatus(node.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "node execution %s already finished with %s", nodeExecutionID, node.Status).WithNode(nodeExecutionID)
	}

	ctx = logging.WithNodeExecutionID(logging.WithPlanExecutionID(ctx, node.PlanExecutionID), node.UUID)
	event := advise.AdviseEvent{
		Ambiance:               node.Ambiance,
		NodeExecutionID:        node.UUID,
		FromStatus:             node.Status,
		ToStatus:               toStatus,
		FailureInfo:            failure,
		RetryCount:             node.RetryCount,
		PreviousAdviserExpired: e.interventionExpired(ctx, node),
	}
	resp, adviserName, err := e.Adviser.Advise(ctx, event)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		e.logger.InfoContext(ctx, "no adviser response, applying failure status", "to_status", toStatus)
		return e.landFailure(ctx, node, toStatus, failure)
	}
	e.logger.InfoContext(ctx, "adviser responded", "adviser", adviserName, "kind", resp.Kind)
	return e.enact(ctx, node, event, resp, adviserName)
}

func (e *Engine) enact(ctx context.Context, node *store.NodeExecution, event advise.AdviseEvent, resp *advise.AdviserResponse, adviserName string) (*store.NodeExecution, error) {
	switch resp.Kind {
	case advise.ResponseInterventionWait, advise.ResponseManualIntervention:
		return e.enactInterventionWait(ctx, node, event, resp)

	case advise.ResponseRetry, advise.ResponseRetryWithRollback:
		// The failure lands but the plan must not settle before the retry
		// interrupt respawns the node.
		updated, err := e.applyFailure(ctx, node, event.ToStatus, event.FailureInfo)
		if err != nil {
			return nil, err
		}
		_, err = e.Registry.RegisterAndProcess(ctx, interrupts.RegisterRequest{
			Type:            schema.InterruptRetry,
			PlanExecutionID: node.PlanExecutionID,
			NodeExecutionID: node.UUID,
			Config:          schema.InterruptConfig{RetryPolicy: resp.RetryPolicy, Metadata: resp.Metadata},
			CreatedBy:       adviserName,
		})
		if err != nil {
			return nil, err
		}
		return updated, nil

	case advise.ResponseMarkSuccess:
		if _, err := e.Registry.RegisterAndProcess(ctx, interrupts.RegisterRequest{
			Type:            schema.InterruptMarkSuccess,
			PlanExecutionID: node.PlanExecutionID,
			NodeExecutionID: node.UUID,
			CreatedBy:       adviserName,
		}); err != nil {
			return nil, err
		}
		if _, err := e.SettlePlan(ctx, node.PlanExecutionID); err != nil {
			return nil, err
		}
		return e.Nodes.Get(ctx, node.UUID)

	case advise.ResponseIgnore:
		// An ignored failure is absorbed: the node ends SKIPPED with the
		// failure on record, so the plan can still finish clean.
		updated, err := e.Nodes.UpdateStatus(ctx, node.UUID, schema.StatusSkipped, nil, &store.NodeUpdateOps{
			SetFailureInfo: event.FailureInfo,
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.Registry.RegisterAndProcess(ctx, interrupts.RegisterRequest{
			Type:            schema.InterruptIgnore,
			PlanExecutionID: node.PlanExecutionID,
			NodeExecutionID: node.UUID,
			Config:          schema.InterruptConfig{Reason: "failure ignored by adviser"},
			CreatedBy:       adviserName,
		}); err != nil {
			return nil, err
		}
		if _, err := e.SettlePlan(ctx, node.PlanExecutionID); err != nil {
			return nil, err
		}
		return updated, nil

	case advise.ResponseEndPlan:
		return e.enactEndPlan(ctx, node, event)

	default:
		// NEXT_STEP and anything unrecognized: the failure stands, the rest
		// of the plan keeps moving.
		return e.landFailure(ctx, node, event.ToStatus, event.FailureInfo)
	}
}

// enactInterventionWait parks the node instead of failing it and arms a
// timeout that fires the strategy's fallback interrupt if nobody acts.
func (e *Engine) enactInterventionWait(ctx context.Context, node *store.NodeExecution, event advise.AdviseEvent, resp *advise.AdviserResponse) (*store.NodeExecution, error) {
	updated, err := e.Nodes.UpdateStatus(ctx, node.UUID, schema.StatusInterventionWaiting, nil, &store.NodeUpdateOps{
		SetFailureInfo: event.FailureInfo,
	})
	if err != nil {
		return nil, err
	}

	action := schema.InterruptMarkExpired
	config := schema.InterruptConfig{Reason: "intervention window elapsed"}
	if resp.RepairAction == schema.RepairCustomFailure {
		action = schema.InterruptCustomFailure
		config = schema.InterruptConfig{Reason: "intervention window elapsed", Metadata: resp.Metadata}
	}
	timeout := resp.Timeout
	if timeout <= 0 {
		timeout = advise.DefaultInterventionTimeout
	}
	ti := &store.TimeoutInstance{
		UUID:            uuid.NewString(),
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.UUID,
		Action:          action,
		Config:          config,
		ExpiresAt:       time.Now().UTC().Add(timeout),
	}
	if err := e.Store.CreateTimeoutInstance(ctx, ti); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to arm intervention timeout").WithCause(err).WithNode(node.UUID)
	}
	e.logger.InfoContext(ctx, "node waiting for intervention", "timeout", timeout.String(), "timeout_action", action)
	return updated, nil
}

// enactEndPlan fails the node and signals the rest of the plan to wind down.
func (e *Engine) enactEndPlan(ctx context.Context, node *store.NodeExecution, event advise.AdviseEvent) (*store.NodeExecution, error) {
	updated, err := e.applyFailure(ctx, node, event.ToStatus, event.FailureInfo)
	if err != nil {
		return nil, err
	}
	moved, err := e.Nodes.MarkLeavesDiscontinuing(ctx, node.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Plans.TryUpdateStatus(ctx, node.PlanExecutionID, schema.StatusDiscontinuing, nil); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "plan ending after node failure", "leaves_discontinuing", moved)
	if _, err := e.SettlePlan(ctx, node.PlanExecutionID); err != nil {
		return nil, err
	}
	return updated, nil
}

// applyFailure writes the broken status with its failure record and routes
// propagation, without settling the plan.
func (e *Engine) applyFailure(ctx context.Context, node *store.NodeExecution, toStatus schema.ExecutionStatus, failure *schema.FailureInfo) (*store.NodeExecution, error) {
	from := node.Status
	updated, err := e.Nodes.UpdateStatus(ctx, node.UUID, toStatus, nil, &store.NodeUpdateOps{
		SetFailureInfo: failure,
	})
	if err != nil {
		return nil, err
	}
	if err := e.propagate(ctx, updated, from); err != nil {
		return nil, err
	}
	return updated, nil
}

// landFailure applies the broken status and settles the plan around it.
func (e *Engine) landFailure(ctx context.Context, node *store.NodeExecution, toStatus schema.ExecutionStatus, failure *schema.FailureInfo) (*store.NodeExecution, error) {
	updated, err := e.applyFailure(ctx, node, toStatus, failure)
	if err != nil {
		return nil, err
	}
	if _, err := e.SettlePlan(ctx, updated.PlanExecutionID); err != nil {
		return nil, err
	}
	return updated, nil
}

// SettlePlan finalizes the plan once no node under it is still active. The
// computed status only lands when it is final; an in-flight plan is left
// alone. Returns the plan's (possibly unchanged) status.
func (e *Engine) SettlePlan(ctx context.Context, planExecutionID string) (schema.ExecutionStatus, error) {
	plan, err := e.Plans.Get(ctx, planExecutionID)
	if err != nil {
		return "", err
	}
	if schema.IsFinalStatus(plan.Status) {
		return plan.Status, nil
	}
	active, err := e.Nodes.ListActive(ctx, planExecutionID)
	if err != nil {
		return "", err
	}
	if len(active) > 0 {
		return plan.Status, nil
	}
	computed, err := e.Plans.ComputeStatus(ctx, planExecutionID)
	if err != nil {
		return "", err
	}
	if !schema.IsFinalStatus(computed) {
		return plan.Status, nil
	}
	settled, err := e.Plans.TryUpdateStatus(ctx, planExecutionID, computed, nil)
	if err != nil {
		return "", err
	}
	if settled == nil {
		// Lost the race to another finalizer; the stored value wins.
		current, err := e.Plans.Get(ctx, planExecutionID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}
	e.logger.InfoContext(ctx, "plan settled", "plan_execution_id", planExecutionID, "status", settled.Status)
	return settled.Status, nil
}

func (e *Engine) propagate(ctx context.Context, node *store.NodeExecution, from schema.ExecutionStatus) error {
	return e.Propagator.HandleStatusUpdate(ctx, propagation.StatusUpdateInfo{
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.UUID,
		FromStatus:      from,
		ToStatus:        node.Status,
	})
}

// interventionExpired reports whether a fired intervention timeout already
// handled a failure on this node, so advisers do not re-open the same window.
func (e *Engine) interventionExpired(ctx context.Context, node *store.NodeExecution) bool {
	effects, err := e.Store.ListInterruptEffects(ctx, node.UUID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to list interrupt effects", "error", err)
		return false
	}
	for _, eff := range effects {
		if eff.InterruptType == schema.InterruptMarkExpired && eff.TookEffect {
			return true
		}
	}
	return false
}

// inputResumeCallback re-queues a node whose awaited execution input arrived.
func (e *Engine) inputResumeCallback(ctx context.Context, cb store.CallbackRecord, _ map[string]json.RawMessage) error {
	var payload waitnotify.InputResumePayload
	if err := json.Unmarshal(cb.Payload, &payload); err != nil {
		return schema.NewError(schema.ErrCodeInvalidRequest, "malformed input resume callback payload").WithCause(err)
	}
	updated, err := e.Nodes.TryUpdateStatus(ctx, payload.NodeExecutionID, schema.StatusQueued,
		[]schema.ExecutionStatus{schema.StatusInputWaiting}, nil)
	if err != nil {
		return err
	}
	if updated == nil {
		e.logger.InfoContext(ctx, "input resume skipped, node no longer waiting", "node_execution_id", payload.NodeExecutionID)
		return nil
	}
	e.logger.InfoContext(ctx, "node resumed after input submission", "node_execution_id", payload.NodeExecutionID)
	return e.propagate(ctx, updated, schema.StatusInputWaiting)
}
