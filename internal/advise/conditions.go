package advise

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/conduct/pkg/schema"
)

// conditionEvaluator compiles and caches failure-strategy `when` expressions.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// EvalBool evaluates a condition expression against the event environment.
// A non-boolean result is a configuration error.
func (e *conditionEvaluator) EvalBool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return false, err
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

func (e *conditionEvaluator) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	if env == nil {
		env = map[string]any{}
	}
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

// conditionEnv builds the expression environment for an advise event.
func conditionEnv(event AdviseEvent) map[string]any {
	env := map[string]any{
		"status":        string(event.ToStatus),
		"from_status":   string(event.FromStatus),
		"retry_count":   event.RetryCount,
		"failure_types": event.FailureInfo.TypeStrings(),
		"message":       "",
		"identifier":    "",
		"step_type":     "",
	}
	if event.FailureInfo != nil {
		env["message"] = event.FailureInfo.Message
	}
	if lvl := event.Ambiance.CurrentLevel(); lvl != nil {
		env["identifier"] = lvl.Identifier
		env["step_type"] = lvl.StepType
	}
	return env
}
