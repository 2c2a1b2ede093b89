package schema

import "encoding/json"

// InterruptType enumerates the kinds of control signals that can target a
// plan execution or a single node execution. The set is closed: handler
// dispatch is an exhaustive switch, not a runtime-extensible registry.
type InterruptType string

const (
	InterruptPauseAll      InterruptType = "PAUSE_ALL"
	InterruptAbortAll      InterruptType = "ABORT_ALL"
	InterruptResumeAll     InterruptType = "RESUME_ALL"
	InterruptPause         InterruptType = "PAUSE"
	InterruptAbort         InterruptType = "ABORT"
	InterruptRetry         InterruptType = "RETRY"
	InterruptMarkExpired   InterruptType = "MARK_EXPIRED"
	InterruptMarkSuccess   InterruptType = "MARK_SUCCESS"
	InterruptIgnore        InterruptType = "IGNORE"
	InterruptCustomFailure InterruptType = "CUSTOM_FAILURE"
)

// IsPlanLevel reports whether the interrupt type acts on a whole plan
// execution when no node execution id is given.
func (t InterruptType) IsPlanLevel() bool {
	switch t {
	case InterruptPauseAll, InterruptAbortAll, InterruptResumeAll:
		return true
	}
	return false
}

// InterruptState is the lifecycle state of a registered interrupt.
// Terminal states (PROCESSED_SUCCESSFULLY, DISCARDED) are immutable.
type InterruptState string

const (
	InterruptRegistered            InterruptState = "REGISTERED"
	InterruptProcessing            InterruptState = "PROCESSING"
	InterruptProcessedSuccessfully InterruptState = "PROCESSED_SUCCESSFULLY"
	InterruptDiscarded             InterruptState = "DISCARDED"
)

// IsActive reports whether the interrupt still contends for effect.
func (s InterruptState) IsActive() bool {
	return s == InterruptRegistered || s == InterruptProcessing
}

// RepairAction is the adviser's chosen remediation for a failing node.
type RepairAction string

const (
	RepairManualIntervention RepairAction = "MANUAL_INTERVENTION"
	RepairCustomFailure      RepairAction = "CUSTOM_FAILURE"
	RepairRetry              RepairAction = "RETRY"
	RepairIgnore             RepairAction = "IGNORE"
	RepairMarkSuccess        RepairAction = "MARK_SUCCESS"
	RepairEndExecution       RepairAction = "END_EXECUTION"
	RepairMarkExpired        RepairAction = "MARK_EXPIRED"
	RepairAbort              RepairAction = "ABORT"
)

// Rollback scope constants carried in INTERVENTION_WAIT metadata under the
// MetadataRollback key so the engine knows which ancestor scope to roll back.
const (
	RollbackStage     = "STAGE_ROLLBACK"
	RollbackStepGroup = "STEP_GROUP_ROLLBACK"
)

// MetadataRollback is the AdviserResponse metadata key holding the rollback scope.
const MetadataRollback = "ROLLBACK"

// RetryPolicy controls the delay between retry attempts.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Delay       string `json:"delay,omitempty"`    // e.g. "5s"
	Backoff     string `json:"backoff,omitempty"`  // none, constant, linear, exponential
	MaxDelay    string `json:"max_delay,omitempty"`
}

// InterruptConfig carries action-specific parameters for an interrupt.
// Snapshotted onto each InterruptEffect so the audit trail is self-contained.
type InterruptConfig struct {
	Reason      string            `json:"reason,omitempty"`
	RetryPolicy *RetryPolicy      `json:"retry_policy,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes the config for persistence; an empty config serializes
// to an empty object rather than null.
func (c InterruptConfig) Marshal() json.RawMessage {
	b, err := json.Marshal(c)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
