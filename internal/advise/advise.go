// Package advise decides the next control action when a node execution fails
// or completes. Advisers are a closed set built once at startup; the engine
// consults them in order and enacts the first response produced.
package advise

import (
	"context"
	"time"

	"github.com/rendis/conduct/pkg/schema"
)

// AdviseEvent is the input to an advise cycle: the transition that just
// happened on a node plus the failure record that came with it.
type AdviseEvent struct {
	Ambiance        schema.Ambiance
	NodeExecutionID string
	FromStatus      schema.ExecutionStatus
	ToStatus        schema.ExecutionStatus
	FailureInfo     *schema.FailureInfo
	RetryCount      int

	// PreviousAdviserExpired is set when an earlier INTERVENTION_WAIT for this
	// node already timed out, so advisers do not double-handle the same
	// failure.
	PreviousAdviserExpired bool
}

// IsFailureReentry reports whether the transition itself is a fresh failure,
// which re-opens advising even after a previous adviser expired.
func (e AdviseEvent) IsFailureReentry() bool {
	return schema.IsBrokenStatus(e.ToStatus) && e.FromStatus != e.ToStatus
}

// ResponseKind enumerates the possible adviser decisions.
type ResponseKind string

const (
	ResponseEndPlan            ResponseKind = "END_PLAN"
	ResponseNextStep           ResponseKind = "NEXT_STEP"
	ResponseRetry              ResponseKind = "RETRY"
	ResponseInterventionWait   ResponseKind = "INTERVENTION_WAIT"
	ResponseManualIntervention ResponseKind = "MANUAL_INTERVENTION"
	ResponseIgnore             ResponseKind = "IGNORE"
	ResponseMarkSuccess        ResponseKind = "MARK_SUCCESS"
	ResponseRetryWithRollback  ResponseKind = "RETRY_WITH_ROLLBACK"
)

// AdviserResponse is the transient decision value produced per failure
// evaluation. It is never persisted on its own; only the interrupt it may
// spawn leaves a durable trace.
type AdviserResponse struct {
	Kind         ResponseKind
	RepairAction schema.RepairAction
	RetryPolicy  *schema.RetryPolicy
	Timeout      time.Duration
	Metadata     map[string]string
}

// Adviser is one decision component in the chain.
type Adviser interface {
	Name() string
	CanAdvise(event AdviseEvent) bool
	OnAdviseEvent(ctx context.Context, event AdviseEvent) (*AdviserResponse, error)
}

// matchesFailureTypes applies the shared filtering rule: an empty restriction
// matches everything, a non-empty restriction requires an actual intersection.
// An event carrying zero failure types only matches unrestricted advisers.
func matchesFailureTypes(event AdviseEvent, applicable []schema.FailureType) bool {
	if len(applicable) == 0 {
		return true
	}
	return event.FailureInfo.Intersects(applicable)
}

// blockedByExpiredAdviser is the double-handling guard shared by all
// advisers.
func blockedByExpiredAdviser(event AdviseEvent) bool {
	return event.PreviousAdviserExpired && !event.IsFailureReentry()
}
