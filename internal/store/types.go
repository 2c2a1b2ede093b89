package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/conduct/pkg/schema"
)

// NodeExecution is one execution instance of a graph node. Owned exclusively
// by the node execution service; handlers never write it directly.
type NodeExecution struct {
	UUID            string                 `json:"uuid"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	Ambiance        schema.Ambiance        `json:"ambiance"`
	Name            string                 `json:"name,omitempty"`
	Identifier      string                 `json:"identifier"`
	StepType        string                 `json:"step_type,omitempty"`
	Group           schema.LevelGroup      `json:"group"`
	Status          schema.ExecutionStatus `json:"status"`
	FailureInfo     *schema.FailureInfo    `json:"failure_info,omitempty"`
	StepParameters  json.RawMessage        `json:"step_parameters,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	RetriedNodeID   string                 `json:"retried_node_id,omitempty"`
	Retried         bool                   `json:"retried"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// IsApprovalStep reports whether the node is an approval-type step.
func (n *NodeExecution) IsApprovalStep() bool {
	return n.StepType == schema.StepTypeApproval
}

// PlanExecution is the root aggregate for one pipeline run. A plan may itself
// be a stage inside a parent pipeline execution; PipelineExecutionID is a
// back-reference only, never an ownership edge.
type PlanExecution struct {
	UUID                string                 `json:"uuid"`
	Status              schema.ExecutionStatus `json:"status"`
	PipelineExecutionID string                 `json:"pipeline_execution_id,omitempty"`
	StartedAt           *time.Time             `json:"started_at,omitempty"`
	EndedAt             *time.Time             `json:"ended_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// Interrupt is a persisted control signal targeting a plan or node execution.
type Interrupt struct {
	UUID            string                 `json:"uuid"`
	Type            schema.InterruptType   `json:"type"`
	State           schema.InterruptState  `json:"state"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"` // "" = plan-wide
	Config          schema.InterruptConfig `json:"config"`
	CreatedBy       string                 `json:"created_by,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// InterruptEffect is an append-only audit record of an interrupt taking (or
// attempting to take) effect on a node execution. Sequence is monotonically
// increasing per node, giving a total order for replay even when interrupts
// raced at commit time.
type InterruptEffect struct {
	ID              int64                `json:"id"`
	NodeExecutionID string               `json:"node_execution_id"`
	InterruptID     string               `json:"interrupt_id"`
	InterruptType   schema.InterruptType `json:"interrupt_type"`
	Config          json.RawMessage      `json:"config,omitempty"`
	TookEffect      bool                 `json:"took_effect"`
	Sequence        int64                `json:"sequence"`
	Timestamp       time.Time            `json:"timestamp"`
}

// CallbackRecord is a serializable continuation registered with the
// wait/notify bridge. It survives process restarts; the Type selects a
// handler registered at startup and Payload carries its parameters.
type CallbackRecord struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WaitInstance is a durable registration of a callback awaiting one or more
// correlated notifications.
type WaitInstance struct {
	UUID            string          `json:"uuid"`
	PublisherName   string          `json:"publisher_name"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	CorrelationIDs  []string        `json:"correlation_ids"`
	PendingIDs      []string        `json:"pending_ids"`
	Responses       json.RawMessage `json:"responses,omitempty"` // map correlation id -> payload
	Callback        CallbackRecord  `json:"callback"`
	Done            bool            `json:"done"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ExecutionInputInstance records a node suspended on INPUT_WAITING together
// with the template the eventual submission must satisfy.
type ExecutionInputInstance struct {
	UUID            string          `json:"uuid"`
	NodeExecutionID string          `json:"node_execution_id"`
	Template        json.RawMessage `json:"template"`
	Submitted       json.RawMessage `json:"submitted,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TimeoutInstance schedules a follow-up interrupt when an intervention wait
// elapses without external action.
type TimeoutInstance struct {
	UUID            string                 `json:"uuid"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id"`
	Action          schema.InterruptType   `json:"action"`
	Config          schema.InterruptConfig `json:"config"`
	ExpiresAt       time.Time              `json:"expires_at"`
	Fired           bool                   `json:"fired"`
	CreatedAt       time.Time              `json:"created_at"`
}

// --- Update, ops and filter types ---

// NodeUpdateOps are extra field mutations applied atomically together with a
// guarded status update.
type NodeUpdateOps struct {
	AppendEffect    *InterruptEffect    `json:"append_effect,omitempty"`
	SetFailureInfo  *schema.FailureInfo `json:"set_failure_info,omitempty"`
	SetStartedAt    *time.Time          `json:"set_started_at,omitempty"`
	SetEndedAt      *time.Time          `json:"set_ended_at,omitempty"`
	IncrementRetry  bool                `json:"increment_retry,omitempty"`
	MarkRetried     bool                `json:"mark_retried,omitempty"`
	SetRetriedNode  string              `json:"set_retried_node,omitempty"`
}

// NodeExecutionFilter specifies criteria for listing node executions.
type NodeExecutionFilter struct {
	PlanExecutionID string                   `json:"plan_execution_id,omitempty"`
	Statuses        []schema.ExecutionStatus `json:"statuses,omitempty"`
	Group           schema.LevelGroup        `json:"group,omitempty"`
	StepType        string                   `json:"step_type,omitempty"`
	IncludeRetried  bool                     `json:"include_retried,omitempty"`
	Limit           int                      `json:"limit,omitempty"`
}

// InterruptFilter specifies criteria for listing interrupts.
type InterruptFilter struct {
	PlanExecutionID string                  `json:"plan_execution_id,omitempty"`
	NodeExecutionID string                  `json:"node_execution_id,omitempty"`
	PlanWideOnly    bool                    `json:"plan_wide_only,omitempty"`
	Types           []schema.InterruptType  `json:"types,omitempty"`
	States          []schema.InterruptState `json:"states,omitempty"`
	Limit           int                     `json:"limit,omitempty"`
}

// PlanExecutionFilter specifies criteria for listing plan executions.
type PlanExecutionFilter struct {
	PipelineExecutionID string                   `json:"pipeline_execution_id,omitempty"`
	Statuses            []schema.ExecutionStatus `json:"statuses,omitempty"`
	EndedBefore         *time.Time               `json:"ended_before,omitempty"`
	Limit               int                      `json:"limit,omitempty"`
}
