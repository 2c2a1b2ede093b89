package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduct/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedPlan(t *testing.T, s *LibSQLStore, status schema.ExecutionStatus) *PlanExecution {
	t.Helper()
	p := &PlanExecution{
		UUID:   uuid.New().String(),
		Status: status,
	}
	require.NoError(t, s.CreatePlanExecution(context.Background(), p))
	return p
}

func seedNode(t *testing.T, s *LibSQLStore, planID string, status schema.ExecutionStatus) *NodeExecution {
	t.Helper()
	id := uuid.New().String()
	n := &NodeExecution{
		UUID:            id,
		PlanExecutionID: planID,
		Ambiance: schema.Ambiance{
			PlanExecutionID: planID,
			Levels: []schema.Level{
				{SetupID: "setup-1", RuntimeID: id, Identifier: "step-1", Group: schema.GroupStep},
			},
		},
		Identifier: "step-1",
		Group:      schema.GroupStep,
		Status:     status,
	}
	require.NoError(t, s.CreateNodeExecution(context.Background(), n))
	return n
}

// --- Plan executions ---

func TestCreateAndGetPlanExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedPlan(t, s, schema.StatusRunning)
	got, err := s.GetPlanExecution(ctx, p.UUID)
	require.NoError(t, err)
	assert.Equal(t, p.UUID, got.UUID)
	assert.Equal(t, schema.StatusRunning, got.Status)
	assert.Empty(t, got.PipelineExecutionID)
}

func TestGetPlanExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPlanExecution(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdatePlanStatusGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)

	// Guard passes.
	updated, err := s.UpdatePlanStatusGuarded(ctx, p.UUID, schema.StatusPausing,
		[]schema.ExecutionStatus{schema.StatusRunning})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, schema.StatusPausing, updated.Status)

	// Guard fails: status already moved on.
	noop, err := s.UpdatePlanStatusGuarded(ctx, p.UUID, schema.StatusPaused,
		[]schema.ExecutionStatus{schema.StatusRunning})
	require.NoError(t, err)
	assert.Nil(t, noop)

	// Missing plan is an error, not a silent no-op.
	_, err = s.UpdatePlanStatusGuarded(ctx, "missing", schema.StatusPaused, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdatePlanStatusGuarded_FinalStatusSetsEndedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)

	updated, err := s.UpdatePlanStatusGuarded(ctx, p.UUID, schema.StatusSucceeded, nil)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.NotNil(t, updated.EndedAt)
}

func TestListPlanExecutions_ByPipeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pipeID := uuid.New().String()
	s1 := &PlanExecution{UUID: uuid.New().String(), Status: schema.StatusRunning, PipelineExecutionID: pipeID}
	s2 := &PlanExecution{UUID: uuid.New().String(), Status: schema.StatusPaused, PipelineExecutionID: pipeID}
	other := &PlanExecution{UUID: uuid.New().String(), Status: schema.StatusRunning}
	require.NoError(t, s.CreatePlanExecution(ctx, s1))
	require.NoError(t, s.CreatePlanExecution(ctx, s2))
	require.NoError(t, s.CreatePlanExecution(ctx, other))

	stages, err := s.ListPlanExecutions(ctx, PlanExecutionFilter{PipelineExecutionID: pipeID})
	require.NoError(t, err)
	assert.Len(t, stages, 2)

	paused, err := s.ListPlanExecutions(ctx, PlanExecutionFilter{
		PipelineExecutionID: pipeID,
		Statuses:            []schema.ExecutionStatus{schema.StatusPaused},
	})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, s2.UUID, paused[0].UUID)
}

// --- Node executions ---

func TestCreateAndGetNodeExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)
	n := seedNode(t, s, p.UUID, schema.StatusQueued)

	got, err := s.GetNodeExecution(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, n.UUID, got.UUID)
	assert.Equal(t, schema.StatusQueued, got.Status)
	assert.Equal(t, p.UUID, got.Ambiance.PlanExecutionID)
	require.Len(t, got.Ambiance.Levels, 1)
	assert.Equal(t, schema.GroupStep, got.Ambiance.Levels[0].Group)
}

func TestUpdateNodeStatusGuarded_AppliesOpsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)
	n := seedNode(t, s, p.UUID, schema.StatusRunning)

	now := time.Now().UTC()
	effect := &InterruptEffect{
		InterruptID:   uuid.New().String(),
		InterruptType: schema.InterruptPauseAll,
		Config:        json.RawMessage(`{"reason":"user pause"}`),
	}
	updated, err := s.UpdateNodeStatusGuarded(ctx, n.UUID, schema.StatusPaused,
		[]schema.ExecutionStatus{schema.StatusQueued, schema.StatusRunning},
		&NodeUpdateOps{AppendEffect: effect, SetEndedAt: &now})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, schema.StatusPaused, updated.Status)
	assert.NotNil(t, updated.EndedAt)

	effects, err := s.ListInterruptEffects(ctx, n.UUID)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, schema.InterruptPauseAll, effects[0].InterruptType)
	assert.Equal(t, int64(1), effects[0].Sequence)
	assert.True(t, effects[0].TookEffect)
}

func TestUpdateNodeStatusGuarded_GuardFailureIsSilentNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)
	n := seedNode(t, s, p.UUID, schema.StatusSucceeded)

	updated, err := s.UpdateNodeStatusGuarded(ctx, n.UUID, schema.StatusPaused,
		[]schema.ExecutionStatus{schema.StatusQueued, schema.StatusRunning}, nil)
	require.NoError(t, err)
	assert.Nil(t, updated)

	// No effect must have been appended on a failed guard.
	got, err := s.GetNodeExecution(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, got.Status)
}

func TestUpdateNodeStatusGuarded_DisjointGuards_ExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)
	n := seedNode(t, s, p.UUID, schema.StatusRunning)

	first, err := s.UpdateNodeStatusGuarded(ctx, n.UUID, schema.StatusSucceeded,
		[]schema.ExecutionStatus{schema.StatusRunning}, nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The competing update's precondition no longer holds.
	second, err := s.UpdateNodeStatusGuarded(ctx, n.UUID, schema.StatusPaused,
		[]schema.ExecutionStatus{schema.StatusRunning}, nil)
	require.NoError(t, err)
	assert.Nil(t, second)

	got, err := s.GetNodeExecution(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, got.Status)
}

func TestListNodeExecutions_FilterAndRetried(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)

	n1 := seedNode(t, s, p.UUID, schema.StatusRunning)
	seedNode(t, s, p.UUID, schema.StatusQueued)

	_, err := s.UpdateNodeStatusGuarded(ctx, n1.UUID, schema.StatusFailed,
		[]schema.ExecutionStatus{schema.StatusRunning}, &NodeUpdateOps{MarkRetried: true})
	require.NoError(t, err)

	active, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: p.UUID})
	require.NoError(t, err)
	assert.Len(t, active, 1) // retried node excluded by default

	all, err := s.ListNodeExecutions(ctx, NodeExecutionFilter{PlanExecutionID: p.UUID, IncludeRetried: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Interrupts ---

func TestCreateAndListInterrupts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)

	i := &Interrupt{
		UUID:            uuid.New().String(),
		Type:            schema.InterruptPauseAll,
		State:           schema.InterruptRegistered,
		PlanExecutionID: p.UUID,
		Config:          schema.InterruptConfig{Reason: "maintenance window"},
		CreatedBy:       "user-1",
	}
	require.NoError(t, s.CreateInterrupt(ctx, i))

	got, err := s.GetInterrupt(ctx, i.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptPauseAll, got.Type)
	assert.Equal(t, "maintenance window", got.Config.Reason)

	active, err := s.ListInterrupts(ctx, InterruptFilter{
		PlanExecutionID: p.UUID,
		PlanWideOnly:    true,
		States:          []schema.InterruptState{schema.InterruptRegistered, schema.InterruptProcessing},
	})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestUpdateInterruptState_TerminalIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)

	i := &Interrupt{
		UUID:            uuid.New().String(),
		Type:            schema.InterruptAbortAll,
		State:           schema.InterruptRegistered,
		PlanExecutionID: p.UUID,
	}
	require.NoError(t, s.CreateInterrupt(ctx, i))
	require.NoError(t, s.UpdateInterruptState(ctx, i.UUID, schema.InterruptProcessedSuccessfully))

	// Once terminal, further state changes are rejected.
	err := s.UpdateInterruptState(ctx, i.UUID, schema.InterruptDiscarded)
	require.Error(t, err)

	got, err := s.GetInterrupt(ctx, i.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessedSuccessfully, got.State)
}

// --- Interrupt effects ---

func TestAppendInterruptEffect_SequencePerNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)
	n1 := seedNode(t, s, p.UUID, schema.StatusRunning)
	n2 := seedNode(t, s, p.UUID, schema.StatusRunning)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendInterruptEffect(ctx, &InterruptEffect{
			NodeExecutionID: n1.UUID,
			InterruptID:     uuid.New().String(),
			InterruptType:   schema.InterruptPauseAll,
			TookEffect:      i == 0,
		}))
	}
	require.NoError(t, s.AppendInterruptEffect(ctx, &InterruptEffect{
		NodeExecutionID: n2.UUID,
		InterruptID:     uuid.New().String(),
		InterruptType:   schema.InterruptAbortAll,
		TookEffect:      true,
	}))

	effects, err := s.ListInterruptEffects(ctx, n1.UUID)
	require.NoError(t, err)
	require.Len(t, effects, 3)
	for i, e := range effects {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	// The log records attempts that lost the race too.
	assert.True(t, effects[0].TookEffect)
	assert.False(t, effects[1].TookEffect)

	other, err := s.ListInterruptEffects(ctx, n2.UUID)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

// --- Wait instances ---

func TestMarkCorrelationDone_CompletesWhenAllNotified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wi := &WaitInstance{
		UUID:           uuid.New().String(),
		PublisherName:  "task-dispatcher",
		CorrelationIDs: []string{"corr-a", "corr-b"},
		Callback:       CallbackRecord{Type: "resume_node", Payload: json.RawMessage(`{"node":"n1"}`)},
	}
	require.NoError(t, s.CreateWaitInstance(ctx, wi))

	completed, err := s.MarkCorrelationDone(ctx, "corr-a", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Empty(t, completed)

	completed, err = s.MarkCorrelationDone(ctx, "corr-b", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, wi.UUID, completed[0].UUID)
	assert.True(t, completed[0].Done)

	var responses map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(completed[0].Responses, &responses))
	assert.Contains(t, responses, "corr-a")
	assert.Contains(t, responses, "corr-b")

	// Repeated notification matches nothing.
	completed, err = s.MarkCorrelationDone(ctx, "corr-b", nil)
	require.NoError(t, err)
	assert.Empty(t, completed)
}

// --- Execution inputs & timeouts ---

func TestExecutionInputLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)
	n := seedNode(t, s, p.UUID, schema.StatusRunning)

	in := &ExecutionInputInstance{
		UUID:            uuid.New().String(),
		NodeExecutionID: n.UUID,
		Template:        json.RawMessage(`{"schema":{"type":"object"}}`),
	}
	require.NoError(t, s.CreateExecutionInput(ctx, in))

	got, err := s.GetExecutionInputByNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, in.UUID, got.UUID)
	assert.Nil(t, got.Submitted)

	require.NoError(t, s.SetExecutionInputSubmitted(ctx, in.UUID, json.RawMessage(`{"env":"prod"}`)))
	got, err = s.GetExecutionInputByNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"env":"prod"}`, string(got.Submitted))

	require.NoError(t, s.DeleteExecutionInputsForNodes(ctx, []string{n.UUID}))
	_, err = s.GetExecutionInputByNode(ctx, n.UUID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTimeoutInstances_ExpiryAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusRunning)
	n := seedNode(t, s, p.UUID, schema.StatusInterventionWaiting)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	expired := &TimeoutInstance{
		UUID:            uuid.New().String(),
		PlanExecutionID: p.UUID,
		NodeExecutionID: n.UUID,
		Action:          schema.InterruptMarkExpired,
		ExpiresAt:       past,
	}
	pending := &TimeoutInstance{
		UUID:            uuid.New().String(),
		PlanExecutionID: p.UUID,
		NodeExecutionID: n.UUID,
		Action:          schema.InterruptRetry,
		ExpiresAt:       future,
	}
	require.NoError(t, s.CreateTimeoutInstance(ctx, expired))
	require.NoError(t, s.CreateTimeoutInstance(ctx, pending))

	due, err := s.ListExpiredTimeouts(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.UUID, due[0].UUID)

	require.NoError(t, s.MarkTimeoutFired(ctx, expired.UUID))
	// Double-claim loses.
	require.Error(t, s.MarkTimeoutFired(ctx, expired.UUID))

	due, err = s.ListExpiredTimeouts(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

// --- Cleanup deletes ---

func TestDeleteNodeScopedRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPlan(t, s, schema.StatusAborted)
	n := seedNode(t, s, p.UUID, schema.StatusAborted)

	require.NoError(t, s.CreateInterrupt(ctx, &Interrupt{
		UUID: uuid.New().String(), Type: schema.InterruptAbort,
		State: schema.InterruptProcessedSuccessfully,
		PlanExecutionID: p.UUID, NodeExecutionID: n.UUID,
	}))
	require.NoError(t, s.CreateWaitInstance(ctx, &WaitInstance{
		UUID: uuid.New().String(), PublisherName: "p",
		NodeExecutionID: n.UUID,
		CorrelationIDs:  []string{"c1"},
		Callback:        CallbackRecord{Type: "resume_node"},
	}))

	require.NoError(t, s.DeleteInterruptsForNodes(ctx, []string{n.UUID}))
	require.NoError(t, s.DeleteWaitInstancesForNodes(ctx, []string{n.UUID}))
	require.NoError(t, s.DeleteNodeExecutions(ctx, []string{n.UUID}))

	_, err := s.GetNodeExecution(ctx, n.UUID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
