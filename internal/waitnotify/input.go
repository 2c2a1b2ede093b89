package waitnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

// CallbackTypeInputResume identifies the callback that resumes a node once
// its execution input has been submitted.
const CallbackTypeInputResume = "execution_input_resume"

// InputResumePayload is the callback payload for CallbackTypeInputResume.
type InputResumePayload struct {
	NodeExecutionID string `json:"node_execution_id"`
	InstanceID      string `json:"instance_id"`
}

// InputTemplate describes what a suspended node expects from the outside:
// a JSON Schema the submission must satisfy and an optional jq expression
// applied to the accepted submission before it is handed to the callback.
type InputTemplate struct {
	Schema    json.RawMessage `json:"schema"`
	Transform string          `json:"transform,omitempty"`
}

// InputService suspends nodes on INPUT_WAITING and resumes them through the
// bridge when a valid submission arrives.
type InputService struct {
	store  store.Store
	nodes  *execution.NodeExecutionService
	bridge *Bridge
	logger *slog.Logger

	mu          sync.RWMutex
	schemaCache map[string]*jsonschema.Schema
	jqCache     map[string]*gojq.Code
}

func NewInputService(st store.Store, nodes *execution.NodeExecutionService, bridge *Bridge, logger *slog.Logger) *InputService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InputService{
		store:       st,
		nodes:       nodes,
		bridge:      bridge,
		logger:      logger,
		schemaCache: make(map[string]*jsonschema.Schema),
		jqCache:     make(map[string]*gojq.Code),
	}
}

// WaitForExecutionInput persists an input instance for the node, moves the
// node to INPUT_WAITING and registers the resume callback keyed by the fresh
// instance id.
func (s *InputService) WaitForExecutionInput(ctx context.Context, nodeExecutionID string, template InputTemplate) (*store.ExecutionInputInstance, error) {
	if len(template.Schema) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "input template needs a schema")
	}
	// Compile up front so a malformed template is surfaced to the caller, not
	// to whoever eventually submits.
	if _, err := s.compiledSchema(template.Schema); err != nil {
		return nil, err
	}
	if template.Transform != "" {
		if _, err := s.compiledTransform(template.Transform); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(template)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "unserializable input template").WithCause(err)
	}
	instance := &store.ExecutionInputInstance{
		UUID:            uuid.New().String(),
		NodeExecutionID: nodeExecutionID,
		Template:        raw,
	}
	if err := s.store.CreateExecutionInput(ctx, instance); err != nil {
		return nil, err
	}

	if _, err := s.nodes.UpdateStatus(ctx, nodeExecutionID, schema.StatusInputWaiting, nil, nil); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(InputResumePayload{NodeExecutionID: nodeExecutionID, InstanceID: instance.UUID})
	if _, err := s.bridge.WaitForAllOn(ctx, "execution-input", nodeExecutionID,
		store.CallbackRecord{Type: CallbackTypeInputResume, Payload: payload},
		instance.UUID,
	); err != nil {
		return nil, err
	}

	logging.LogWith(ctx, s.logger).InfoContext(ctx, "node waiting for execution input",
		"node_execution_id", nodeExecutionID, "input_instance_id", instance.UUID)
	return instance, nil
}

// SubmitInput validates the submission against the instance's template,
// applies the optional transform and notifies the bridge, which resumes the
// node through the registered callback.
func (s *InputService) SubmitInput(ctx context.Context, nodeExecutionID string, input json.RawMessage) error {
	instance, err := s.store.GetExecutionInputByNode(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if instance.Submitted != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidRequest,
			"input for node %s was already submitted", nodeExecutionID).WithNode(nodeExecutionID)
	}

	var template InputTemplate
	if err := json.Unmarshal(instance.Template, &template); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"corrupt input template on instance %s", instance.UUID).WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "submitted input is not valid JSON").WithCause(err)
	}
	compiled, err := s.compiledSchema(template.Schema)
	if err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "submitted input rejected by template schema").WithCause(err)
	}

	accepted := input
	if template.Transform != "" {
		accepted, err = s.applyTransform(ctx, template.Transform, doc)
		if err != nil {
			return err
		}
	}

	if err := s.store.SetExecutionInputSubmitted(ctx, instance.UUID, accepted); err != nil {
		return err
	}
	return s.bridge.Notify(ctx, instance.UUID, accepted)
}

func (s *InputService) compiledSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	s.mu.RLock()
	if compiled, ok := s.schemaCache[key]; ok {
		s.mu.RUnlock()
		return compiled, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if compiled, ok := s.schemaCache[key]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template schema is not valid JSON").WithCause(err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	const url = "inline://input-template.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template schema rejected").WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template schema does not compile").WithCause(err)
	}
	s.schemaCache[key] = compiled
	return compiled, nil
}

func (s *InputService) compiledTransform(expression string) (*gojq.Code, error) {
	s.mu.RLock()
	if code, ok := s.jqCache[expression]; ok {
		s.mu.RUnlock()
		return code, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.jqCache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query,
		// Sandbox: no $ENV or env access from templates.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	s.jqCache[expression] = code
	return code, nil
}

func (s *InputService) applyTransform(ctx context.Context, expression string, doc any) (json.RawMessage, error) {
	code, err := s.compiledTransform(expression)
	if err != nil {
		return nil, err
	}
	iter := code.RunWithContext(ctx, doc)
	val, ok := iter.Next()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"transform %q produced no output", expression)
	}
	if evalErr, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"transform %q failed: %s", expression, evalErr.Error()).WithCause(evalErr)
	}
	out, err := json.Marshal(val)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"transform %q produced unserializable output", expression).WithCause(err)
	}
	return out, nil
}
