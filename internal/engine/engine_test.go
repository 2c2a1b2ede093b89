package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduct/internal/advise"
	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/internal/waitnotify"
	"github.com/rendis/conduct/pkg/schema"
)

func newTestEngine(t *testing.T, resolver advise.FailureStrategyResolver) *Engine {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	e := New(s, Config{
		Execution:  execution.ServiceConfig{MaxConflictRetries: 2, ConflictBackoff: time.Millisecond},
		PoolSize:   4,
		Strategies: resolver,
	}, nil)
	t.Cleanup(e.Stop)
	return e
}

func runningPlan(t *testing.T, e *Engine) *store.PlanExecution {
	t.Helper()
	ctx := context.Background()
	plan, err := e.Plans.Start(ctx, "")
	require.NoError(t, err)
	plan, err = e.Plans.UpdateStatus(ctx, plan.UUID, schema.StatusRunning, nil)
	require.NoError(t, err)
	return plan
}

func runningNode(t *testing.T, e *Engine, planID, identifier string) *store.NodeExecution {
	t.Helper()
	ctx := context.Background()
	amb := schema.Ambiance{
		PlanExecutionID: planID,
		Levels: []schema.Level{
			{SetupID: identifier, RuntimeID: uuid.New().String(), Identifier: identifier, Group: schema.GroupStep},
		},
	}
	node, err := e.Nodes.Start(ctx, amb, execution.NodeStartParams{Name: identifier})
	require.NoError(t, err)
	node, err = e.Nodes.UpdateStatus(ctx, node.UUID, schema.StatusRunning, nil, nil)
	require.NoError(t, err)
	return node
}

func appFailure(message string) *schema.FailureInfo {
	return &schema.FailureInfo{Message: message, Types: []schema.FailureType{schema.FailureApplication}}
}

func strategies(list ...advise.FailureStrategy) *advise.StaticResolver {
	return &advise.StaticResolver{Defaults: list}
}

func TestHandleNodeSuccess_SettlesPlan(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "deploy")

	updated, err := e.HandleNodeSuccess(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, updated.Status)
	assert.NotNil(t, updated.EndedAt)

	settled, err := e.Plans.Get(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, settled.Status)
}

func TestHandleNodeSuccess_PlanWaitsForSiblings(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	plan := runningPlan(t, e)
	done := runningNode(t, e, plan.UUID, "build")
	runningNode(t, e, plan.UUID, "deploy")

	_, err := e.HandleNodeSuccess(ctx, done.UUID)
	require.NoError(t, err)

	current, err := e.Plans.Get(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, current.Status)
}

func TestHandleNodeFailure_NoAdviser_LandsFailure(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "deploy")

	updated, err := e.HandleNodeFailure(ctx, node.UUID, schema.StatusFailed, appFailure("step exploded"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, updated.Status)
	require.NotNil(t, updated.FailureInfo)
	assert.Equal(t, "step exploded", updated.FailureInfo.Message)
	assert.NotNil(t, updated.EndedAt)

	settled, err := e.Plans.Get(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, settled.Status)
}

func TestHandleNodeFailure_RejectsBadInput(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "deploy")

	_, err := e.HandleNodeFailure(ctx, node.UUID, schema.StatusSucceeded, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidRequest))

	_, err = e.Nodes.UpdateStatus(ctx, node.UUID, schema.StatusSucceeded, nil, nil)
	require.NoError(t, err)
	_, err = e.HandleNodeFailure(ctx, node.UUID, schema.StatusFailed, appFailure("late report"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidRequest))
}

func TestHandleNodeFailure_RetryRespawnsNode(t *testing.T) {
	e := newTestEngine(t, strategies(advise.FailureStrategy{
		TimeoutAction: string(schema.RepairRetry),
		RetryPolicy:   &schema.RetryPolicy{MaxAttempts: 2, Delay: "1ms"},
	}))
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "deploy")

	_, err := e.HandleNodeFailure(ctx, node.UUID, schema.StatusFailed, appFailure("transient"))
	require.NoError(t, err)

	old, err := e.Store.GetNodeExecution(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, old.Status)
	assert.True(t, old.Retried)

	active, err := e.Nodes.ListActive(ctx, plan.UUID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, schema.StatusQueued, active[0].Status)
	assert.Equal(t, 1, active[0].RetryCount)
	assert.Equal(t, node.UUID, active[0].RetriedNodeID)

	// The retry keeps the plan alive.
	current, err := e.Plans.Get(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, current.Status)
}

func TestHandleNodeFailure_RetryBudgetFallsThroughToIntervention(t *testing.T) {
	e := newTestEngine(t, strategies(
		advise.FailureStrategy{
			TimeoutAction: string(schema.RepairRetry),
			RetryPolicy:   &schema.RetryPolicy{MaxAttempts: 1, Delay: "1ms"},
		},
		advise.FailureStrategy{
			TimeoutAction: string(schema.RepairManualIntervention),
			Timeout:       "30m",
		},
	))
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "deploy")

	_, err := e.HandleNodeFailure(ctx, node.UUID, schema.StatusFailed, appFailure("attempt one"))
	require.NoError(t, err)

	active, err := e.Nodes.ListActive(ctx, plan.UUID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	replacement, err := e.Nodes.UpdateStatus(ctx, active[0].UUID, schema.StatusRunning, nil, nil)
	require.NoError(t, err)

	parked, err := e.HandleNodeFailure(ctx, replacement.UUID, schema.StatusFailed, appFailure("attempt two"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInterventionWaiting, parked.Status)

	// The intervention wait is armed with a MARK_EXPIRED fallback.
	due, err := e.Store.ListExpiredTimeouts(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, schema.InterruptMarkExpired, due[0].Action)
	assert.Equal(t, replacement.UUID, due[0].NodeExecutionID)
}

func TestHandleNodeFailure_RollbackTimeoutFires(t *testing.T) {
	e := newTestEngine(t, strategies(advise.FailureStrategy{
		TimeoutAction: schema.RollbackStage,
		Timeout:       "1ms",
	}))
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "deploy")

	parked, err := e.HandleNodeFailure(ctx, node.UUID, schema.StatusFailed, appFailure("bad rollout"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInterventionWaiting, parked.Status)

	time.Sleep(5 * time.Millisecond)
	e.monitor.Sweep(ctx)

	failed, err := e.Store.GetNodeExecution(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureInfo)
	assert.Equal(t, "intervention window elapsed", failed.FailureInfo.Message)

	effects, err := e.Store.ListInterruptEffects(ctx, node.UUID)
	require.NoError(t, err)
	require.NotEmpty(t, effects)
	assert.Equal(t, schema.InterruptCustomFailure, effects[len(effects)-1].InterruptType)
}

func TestHandleNodeFailure_IgnoreAbsorbsFailure(t *testing.T) {
	e := newTestEngine(t, strategies(advise.FailureStrategy{
		TimeoutAction: string(schema.RepairIgnore),
	}))
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "optional-check")

	updated, err := e.HandleNodeFailure(ctx, node.UUID, schema.StatusFailed, appFailure("flaky check"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSkipped, updated.Status)
	require.NotNil(t, updated.FailureInfo)
	assert.Equal(t, "flaky check", updated.FailureInfo.Message)

	settled, err := e.Plans.Get(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, settled.Status)

	effects, err := e.Store.ListInterruptEffects(ctx, node.UUID)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, schema.InterruptIgnore, effects[0].InterruptType)
}

func TestHandleNodeFailure_MarkSuccess(t *testing.T) {
	e := newTestEngine(t, strategies(advise.FailureStrategy{
		TimeoutAction: string(schema.RepairMarkSuccess),
	}))
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "deploy")

	updated, err := e.HandleNodeFailure(ctx, node.UUID, schema.StatusFailed, appFailure("cosmetic"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, updated.Status)

	settled, err := e.Plans.Get(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, settled.Status)
}

func TestHandleNodeFailure_EndPlanWindsDown(t *testing.T) {
	e := newTestEngine(t, strategies(advise.FailureStrategy{
		TimeoutAction: string(schema.RepairEndExecution),
	}))
	ctx := context.Background()
	plan := runningPlan(t, e)
	failing := runningNode(t, e, plan.UUID, "deploy")
	sibling := runningNode(t, e, plan.UUID, "notify")

	updated, err := e.HandleNodeFailure(ctx, failing.UUID, schema.StatusFailed, appFailure("fatal"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, updated.Status)

	other, err := e.Store.GetNodeExecution(ctx, sibling.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusDiscontinuing, other.Status)

	current, err := e.Plans.Get(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusDiscontinuing, current.Status)
}

func TestInputResume_RequeuesNode(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	plan := runningPlan(t, e)
	node := runningNode(t, e, plan.UUID, "approval-gate")

	_, err := e.Inputs.WaitForExecutionInput(ctx, node.UUID, waitnotify.InputTemplate{
		Schema: json.RawMessage(`{"type":"object","required":["approved"]}`),
	})
	require.NoError(t, err)

	waiting, err := e.Store.GetNodeExecution(ctx, node.UUID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusInputWaiting, waiting.Status)

	require.NoError(t, e.Inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`{"approved":true}`)))

	resumed, err := e.Store.GetNodeExecution(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusQueued, resumed.Status)
}

func TestSettlePlan_LeavesActivePlanAlone(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	plan := runningPlan(t, e)
	runningNode(t, e, plan.UUID, "deploy")

	status, err := e.SettlePlan(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, status)
}

func TestEngineStartStop(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Start(context.Background()))
	e.Stop()
}
