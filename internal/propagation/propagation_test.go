package propagation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

type fixture struct {
	store store.Store
	plans *execution.PlanExecutionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{
		store: s,
		plans: execution.NewPlanExecutionService(s, execution.ServiceConfig{}, nil),
	}
}

func (f *fixture) seedPlan(t *testing.T, pipelineID string, status schema.ExecutionStatus) *store.PlanExecution {
	t.Helper()
	p := &store.PlanExecution{
		UUID:                uuid.New().String(),
		Status:              status,
		PipelineExecutionID: pipelineID,
	}
	require.NoError(t, f.store.CreatePlanExecution(context.Background(), p))
	return p
}

func TestPausePropagator_PausesPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "", schema.StatusRunning)

	p := NewPausePropagator(f.store, f.plans, Config{}, nil)
	require.NoError(t, p.HandleStatusUpdate(ctx, StatusUpdateInfo{
		PlanExecutionID: plan.UUID,
		FromStatus:      schema.StatusRunning,
		ToStatus:        schema.StatusPaused,
	}))

	got, err := f.store.GetPlanExecution(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, got.Status)
}

func TestPausePropagator_LostRaceIsNotAnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "", schema.StatusFailed)

	p := NewPausePropagator(f.store, f.plans, Config{}, nil)
	require.NoError(t, p.HandleStatusUpdate(ctx, StatusUpdateInfo{
		PlanExecutionID: plan.UUID,
		ToStatus:        schema.StatusPaused,
	}))

	got, err := f.store.GetPlanExecution(ctx, plan.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
}

func TestPausePropagator_SiblingBlocksEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pipeline := f.seedPlan(t, "", schema.StatusRunning)
	stage := f.seedPlan(t, pipeline.UUID, schema.StatusRunning)
	f.seedPlan(t, pipeline.UUID, schema.StatusRunning) // sibling still running

	p := NewPausePropagator(f.store, f.plans, Config{}, nil)
	require.NoError(t, p.HandleStatusUpdate(ctx, StatusUpdateInfo{
		PlanExecutionID: stage.UUID,
		ToStatus:        schema.StatusPaused,
	}))

	got, err := f.store.GetPlanExecution(ctx, pipeline.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)
}

func TestPausePropagator_EscalatesWhenSiblingsSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pipeline := f.seedPlan(t, "", schema.StatusRunning)
	stage := f.seedPlan(t, pipeline.UUID, schema.StatusRunning)
	// A failed sibling does not block: the pipeline's remaining activity is
	// just the stage being paused.
	f.seedPlan(t, pipeline.UUID, schema.StatusFailed)
	f.seedPlan(t, pipeline.UUID, schema.StatusSucceeded)

	p := NewPausePropagator(f.store, f.plans, Config{}, nil)
	require.NoError(t, p.HandleStatusUpdate(ctx, StatusUpdateInfo{
		PlanExecutionID: stage.UUID,
		ToStatus:        schema.StatusPaused,
	}))

	got, err := f.store.GetPlanExecution(ctx, pipeline.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, got.Status)
}

func TestResumePropagator_Symmetric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pipeline := f.seedPlan(t, "", schema.StatusPaused)
	stage := f.seedPlan(t, pipeline.UUID, schema.StatusPaused)
	blocker := f.seedPlan(t, pipeline.UUID, schema.StatusRunning)

	p := NewResumePropagator(f.store, f.plans, Config{}, nil)
	require.NoError(t, p.HandleStatusUpdate(ctx, StatusUpdateInfo{
		PlanExecutionID: stage.UUID,
		FromStatus:      schema.StatusPaused,
		ToStatus:        schema.StatusRunning,
	}))

	got, err := f.store.GetPlanExecution(ctx, stage.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)

	// The running sibling blocks pipeline resumption.
	got, err = f.store.GetPlanExecution(ctx, pipeline.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, got.Status)

	// Once the blocker finishes, a later resume escalates.
	_, err = f.plans.UpdateStatus(ctx, blocker.UUID, schema.StatusDiscontinuing, nil)
	require.NoError(t, err)
	_, err = f.plans.UpdateStatus(ctx, blocker.UUID, schema.StatusAborted, nil)
	require.NoError(t, err)

	stage2 := f.seedPlan(t, pipeline.UUID, schema.StatusPaused)
	require.NoError(t, p.HandleStatusUpdate(ctx, StatusUpdateInfo{
		PlanExecutionID: stage2.UUID,
		FromStatus:      schema.StatusPaused,
		ToStatus:        schema.StatusRunning,
	}))
	got, err = f.store.GetPlanExecution(ctx, pipeline.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)
}

func TestRouter_Routing(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.store, f.plans, Config{}, nil)

	assert.IsType(t, &PausePropagator{}, r.propagatorFor(StatusUpdateInfo{ToStatus: schema.StatusPaused}))
	assert.IsType(t, &ResumePropagator{}, r.propagatorFor(StatusUpdateInfo{
		FromStatus: schema.StatusPaused, ToStatus: schema.StatusRunning,
	}))
	assert.IsType(t, &DiscontinuePropagator{}, r.propagatorFor(StatusUpdateInfo{ToStatus: schema.StatusDiscontinuing}))
	assert.IsType(t, NoopPropagator{}, r.propagatorFor(StatusUpdateInfo{ToStatus: schema.StatusSucceeded}))
	assert.IsType(t, NoopPropagator{}, r.propagatorFor(StatusUpdateInfo{
		FromStatus: schema.StatusNotStarted, ToStatus: schema.StatusQueued,
	}))
}
