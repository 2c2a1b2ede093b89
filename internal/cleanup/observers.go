// Package cleanup removes the records owned by finished plan executions once
// their retention window closes. Deletion never runs on the execution hot
// path; it is driven by the retention sweep alone.
package cleanup

import (
	"context"

	"github.com/rendis/conduct/internal/store"
)

// Observer reacts to a batch of node executions being deleted. Interested
// lets an observer skip batches that cannot contain its records, so e.g.
// approval bookkeeping is only touched when the batch has approval steps.
type Observer interface {
	Name() string
	Interested(nodes []*store.NodeExecution) bool
	OnNodesDelete(ctx context.Context, nodes []*store.NodeExecution) error
}

func nodeIDs(nodes []*store.NodeExecution) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.UUID
	}
	return ids
}

// interruptObserver removes node-scoped interrupts.
type interruptObserver struct{ store store.Store }

func (o *interruptObserver) Name() string { return "interrupt" }
func (o *interruptObserver) Interested([]*store.NodeExecution) bool { return true }
func (o *interruptObserver) OnNodesDelete(ctx context.Context, nodes []*store.NodeExecution) error {
	return o.store.DeleteInterruptsForNodes(ctx, nodeIDs(nodes))
}

// waitInstanceObserver removes pending wait registrations so a late
// notification can never fire against a deleted node.
type waitInstanceObserver struct{ store store.Store }

func (o *waitInstanceObserver) Name() string { return "wait-instance" }
func (o *waitInstanceObserver) Interested([]*store.NodeExecution) bool { return true }
func (o *waitInstanceObserver) OnNodesDelete(ctx context.Context, nodes []*store.NodeExecution) error {
	return o.store.DeleteWaitInstancesForNodes(ctx, nodeIDs(nodes))
}

// executionInputObserver removes pending execution input instances.
type executionInputObserver struct{ store store.Store }

func (o *executionInputObserver) Name() string { return "execution-input" }
func (o *executionInputObserver) Interested([]*store.NodeExecution) bool { return true }
func (o *executionInputObserver) OnNodesDelete(ctx context.Context, nodes []*store.NodeExecution) error {
	return o.store.DeleteExecutionInputsForNodes(ctx, nodeIDs(nodes))
}

// timeoutObserver removes scheduled timeouts so the monitor never fires a
// follow-up against a deleted node.
type timeoutObserver struct{ store store.Store }

func (o *timeoutObserver) Name() string { return "timeout-instance" }
func (o *timeoutObserver) Interested([]*store.NodeExecution) bool { return true }
func (o *timeoutObserver) OnNodesDelete(ctx context.Context, nodes []*store.NodeExecution) error {
	return o.store.DeleteTimeoutsForNodes(ctx, nodeIDs(nodes))
}

// approvalObserver scrubs approval bookkeeping. It only runs when the batch
// actually contains approval-type steps.
type approvalObserver struct{ store store.Store }

func (o *approvalObserver) Name() string { return "approval-instance" }

func (o *approvalObserver) Interested(nodes []*store.NodeExecution) bool {
	for _, n := range nodes {
		if n.IsApprovalStep() {
			return true
		}
	}
	return false
}

func (o *approvalObserver) OnNodesDelete(ctx context.Context, nodes []*store.NodeExecution) error {
	var approvals []string
	for _, n := range nodes {
		if n.IsApprovalStep() {
			approvals = append(approvals, n.UUID)
		}
	}
	if err := o.store.DeleteExecutionInputsForNodes(ctx, approvals); err != nil {
		return err
	}
	return o.store.DeleteWaitInstancesForNodes(ctx, approvals)
}

// nodeObserver deletes the node executions themselves, effects included.
// Registered last so record-scoped observers see the nodes first.
type nodeObserver struct{ store store.Store }

func (o *nodeObserver) Name() string { return "plan-node" }
func (o *nodeObserver) Interested([]*store.NodeExecution) bool { return true }
func (o *nodeObserver) OnNodesDelete(ctx context.Context, nodes []*store.NodeExecution) error {
	return o.store.DeleteNodeExecutions(ctx, nodeIDs(nodes))
}
