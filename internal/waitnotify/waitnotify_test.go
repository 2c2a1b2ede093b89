package waitnotify

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBridge_WaitAndNotify(t *testing.T) {
	st := newTestStore(t)
	bridge := NewBridge(st, nil)
	ctx := context.Background()

	var fired []store.CallbackRecord
	var gotResponses map[string]json.RawMessage
	bridge.RegisterCallbackHandler("resume_node", func(_ context.Context, cb store.CallbackRecord, responses map[string]json.RawMessage) error {
		fired = append(fired, cb)
		gotResponses = responses
		return nil
	})

	_, err := bridge.WaitForAllOn(ctx, "task-dispatcher", "node-1",
		store.CallbackRecord{Type: "resume_node", Payload: json.RawMessage(`{"node":"node-1"}`)},
		"task-a", "task-b")
	require.NoError(t, err)

	require.NoError(t, bridge.Notify(ctx, "task-a", json.RawMessage(`{"result":"ok"}`)))
	assert.Empty(t, fired) // still one correlation pending

	require.NoError(t, bridge.Notify(ctx, "task-b", json.RawMessage(`{"result":"done"}`)))
	require.Len(t, fired, 1)
	assert.Equal(t, "resume_node", fired[0].Type)
	assert.JSONEq(t, `{"result":"ok"}`, string(gotResponses["task-a"]))
	assert.JSONEq(t, `{"result":"done"}`, string(gotResponses["task-b"]))

	// Duplicate or unmatched notifications are absorbed.
	require.NoError(t, bridge.Notify(ctx, "task-b", nil))
	require.NoError(t, bridge.Notify(ctx, "never-registered", nil))
	assert.Len(t, fired, 1)
}

func TestBridge_MissingHandlerIsAnError(t *testing.T) {
	st := newTestStore(t)
	bridge := NewBridge(st, nil)
	ctx := context.Background()

	_, err := bridge.WaitForAllOn(ctx, "p", "",
		store.CallbackRecord{Type: "unbound"}, "corr-1")
	require.NoError(t, err)

	err = bridge.Notify(ctx, "corr-1", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestBridge_RejectsEmptyRegistration(t *testing.T) {
	bridge := NewBridge(newTestStore(t), nil)
	ctx := context.Background()

	_, err := bridge.WaitForAllOn(ctx, "p", "", store.CallbackRecord{Type: "x"})
	assert.True(t, schema.IsInvalidRequest(err))

	_, err = bridge.WaitForAllOn(ctx, "p", "", store.CallbackRecord{}, "corr-1")
	assert.True(t, schema.IsInvalidRequest(err))
}

// --- Input service ---

type inputFixture struct {
	store  store.Store
	nodes  *execution.NodeExecutionService
	bridge *Bridge
	inputs *InputService
}

func newInputFixture(t *testing.T) *inputFixture {
	t.Helper()
	st := newTestStore(t)
	nodes := execution.NewNodeExecutionService(st, execution.ServiceConfig{}, nil)
	bridge := NewBridge(st, nil)
	return &inputFixture{
		store:  st,
		nodes:  nodes,
		bridge: bridge,
		inputs: NewInputService(st, nodes, bridge, nil),
	}
}

func (f *inputFixture) runningNode(t *testing.T) *store.NodeExecution {
	t.Helper()
	ctx := context.Background()
	plan := &store.PlanExecution{UUID: uuid.New().String(), Status: schema.StatusRunning}
	require.NoError(t, f.store.CreatePlanExecution(ctx, plan))
	amb := schema.Ambiance{
		PlanExecutionID: plan.UUID,
		Levels: []schema.Level{
			{SetupID: "approval", RuntimeID: uuid.New().String(), Identifier: "approval", Group: schema.GroupStep},
		},
	}
	node, err := f.nodes.Start(ctx, amb, execution.NodeStartParams{})
	require.NoError(t, err)
	node, err = f.nodes.UpdateStatus(ctx, node.UUID, schema.StatusRunning, nil, nil)
	require.NoError(t, err)
	return node
}

var envTemplate = InputTemplate{
	Schema: json.RawMessage(`{
		"type": "object",
		"required": ["environment"],
		"properties": {
			"environment": {"type": "string", "enum": ["staging", "prod"]},
			"notes": {"type": "string"}
		},
		"additionalProperties": false
	}`),
}

func TestInputService_WaitAndSubmit(t *testing.T) {
	f := newInputFixture(t)
	ctx := context.Background()
	node := f.runningNode(t)

	var resumed InputResumePayload
	f.bridge.RegisterCallbackHandler(CallbackTypeInputResume, func(_ context.Context, cb store.CallbackRecord, _ map[string]json.RawMessage) error {
		return json.Unmarshal(cb.Payload, &resumed)
	})

	instance, err := f.inputs.WaitForExecutionInput(ctx, node.UUID, envTemplate)
	require.NoError(t, err)

	got, err := f.store.GetNodeExecution(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInputWaiting, got.Status)

	require.NoError(t, f.inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`{"environment":"prod"}`)))
	assert.Equal(t, node.UUID, resumed.NodeExecutionID)
	assert.Equal(t, instance.UUID, resumed.InstanceID)

	stored, err := f.store.GetExecutionInputByNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"environment":"prod"}`, string(stored.Submitted))

	// A second submission is rejected.
	err = f.inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`{"environment":"staging"}`))
	assert.True(t, schema.IsInvalidRequest(err))
}

func TestInputService_SecondWaitCycle(t *testing.T) {
	f := newInputFixture(t)
	ctx := context.Background()
	node := f.runningNode(t)

	f.bridge.RegisterCallbackHandler(CallbackTypeInputResume, func(ctx context.Context, cb store.CallbackRecord, _ map[string]json.RawMessage) error {
		var payload InputResumePayload
		if err := json.Unmarshal(cb.Payload, &payload); err != nil {
			return err
		}
		_, err := f.nodes.TryUpdateStatus(ctx, payload.NodeExecutionID, schema.StatusQueued,
			[]schema.ExecutionStatus{schema.StatusInputWaiting}, nil)
		return err
	})

	_, err := f.inputs.WaitForExecutionInput(ctx, node.UUID, envTemplate)
	require.NoError(t, err)
	require.NoError(t, f.inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`{"environment":"staging"}`)))

	// The node runs again and suspends a second time on the same template.
	_, err = f.nodes.UpdateStatus(ctx, node.UUID, schema.StatusRunning, nil, nil)
	require.NoError(t, err)
	second, err := f.inputs.WaitForExecutionInput(ctx, node.UUID, envTemplate)
	require.NoError(t, err)

	// The open instance wins over the earlier submitted one.
	open, err := f.store.GetExecutionInputByNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, second.UUID, open.UUID)
	assert.Nil(t, open.Submitted)

	require.NoError(t, f.inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`{"environment":"prod"}`)))
	got, err := f.store.GetNodeExecution(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusQueued, got.Status)
}

func TestInputService_SchemaRejection(t *testing.T) {
	f := newInputFixture(t)
	ctx := context.Background()
	node := f.runningNode(t)

	_, err := f.inputs.WaitForExecutionInput(ctx, node.UUID, envTemplate)
	require.NoError(t, err)

	err = f.inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`{"environment":"qa"}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = f.inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`not json`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	// Node stays suspended after a rejected submission.
	got, err := f.store.GetNodeExecution(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusInputWaiting, got.Status)
}

func TestInputService_Transform(t *testing.T) {
	f := newInputFixture(t)
	ctx := context.Background()
	node := f.runningNode(t)

	f.bridge.RegisterCallbackHandler(CallbackTypeInputResume, func(context.Context, store.CallbackRecord, map[string]json.RawMessage) error {
		return nil
	})

	template := envTemplate
	template.Transform = `{env: .environment}`
	_, err := f.inputs.WaitForExecutionInput(ctx, node.UUID, template)
	require.NoError(t, err)

	require.NoError(t, f.inputs.SubmitInput(ctx, node.UUID, json.RawMessage(`{"environment":"staging","notes":"go"}`)))

	stored, err := f.store.GetExecutionInputByNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"env":"staging"}`, string(stored.Submitted))
}

func TestInputService_BadTemplateFailsFast(t *testing.T) {
	f := newInputFixture(t)
	ctx := context.Background()
	node := f.runningNode(t)

	_, err := f.inputs.WaitForExecutionInput(ctx, node.UUID, InputTemplate{})
	assert.True(t, schema.IsInvalidRequest(err))

	_, err = f.inputs.WaitForExecutionInput(ctx, node.UUID, InputTemplate{
		Schema:    envTemplate.Schema,
		Transform: `{broken`,
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
