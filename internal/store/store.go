package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/conduct/pkg/schema"
)

// Store defines the durable execution store contract.
// All implementations must be safe for concurrent use.
//
// Guarded updates are the sole status-mutation primitive: they apply the new
// status only when the current status is in the allowed set, atomically with
// any extra ops, and return (nil, nil) when the precondition fails so callers
// can distinguish a benign lost race from a real error.
type Store interface {
	// Node executions
	CreateNodeExecution(ctx context.Context, node *NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)
	ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error)
	UpdateNodeStatusGuarded(ctx context.Context, id string, newStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus, ops *NodeUpdateOps) (*NodeExecution, error)
	DeleteNodeExecutions(ctx context.Context, ids []string) error

	// Plan executions
	CreatePlanExecution(ctx context.Context, plan *PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)
	ListPlanExecutions(ctx context.Context, filter PlanExecutionFilter) ([]*PlanExecution, error)
	UpdatePlanStatusGuarded(ctx context.Context, id string, newStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus) (*PlanExecution, error)
	DeletePlanExecution(ctx context.Context, id string) error

	// Interrupts
	CreateInterrupt(ctx context.Context, interrupt *Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*Interrupt, error)
	ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error)
	UpdateInterruptState(ctx context.Context, id string, state schema.InterruptState) error
	DeleteInterruptsForNodes(ctx context.Context, nodeIDs []string) error

	// Interrupt effects (append-only, per-node sequence)
	AppendInterruptEffect(ctx context.Context, effect *InterruptEffect) error
	ListInterruptEffects(ctx context.Context, nodeExecutionID string) ([]*InterruptEffect, error)

	// Wait instances
	CreateWaitInstance(ctx context.Context, wi *WaitInstance) error
	GetWaitInstance(ctx context.Context, id string) (*WaitInstance, error)
	MarkCorrelationDone(ctx context.Context, correlationID string, response json.RawMessage) ([]*WaitInstance, error)
	DeleteWaitInstancesForNodes(ctx context.Context, nodeIDs []string) error

	// Execution input instances
	CreateExecutionInput(ctx context.Context, in *ExecutionInputInstance) error
	GetExecutionInputByNode(ctx context.Context, nodeExecutionID string) (*ExecutionInputInstance, error)
	SetExecutionInputSubmitted(ctx context.Context, id string, submitted json.RawMessage) error
	DeleteExecutionInputsForNodes(ctx context.Context, nodeIDs []string) error

	// Timeout instances
	CreateTimeoutInstance(ctx context.Context, ti *TimeoutInstance) error
	ListExpiredTimeouts(ctx context.Context, now time.Time) ([]*TimeoutInstance, error)
	MarkTimeoutFired(ctx context.Context, id string) error
	DeleteTimeoutsForNodes(ctx context.Context, nodeIDs []string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
