package advise

import (
	"context"
	"time"

	"github.com/rendis/conduct/pkg/schema"
)

// DefaultInterventionTimeout bounds an intervention wait when the resolved
// strategy does not set one.
const DefaultInterventionTimeout = 24 * time.Hour

// ManualInterventionAdviser turns failures into intervention waits according
// to the resolved failure strategy. A rollback timeout action is expressed as
// a CUSTOM_FAILURE repair tagged with the rollback scope, which the enactor
// uses to pick the ancestor to roll back.
type ManualInterventionAdviser struct {
	resolver FailureStrategyResolver
	eval     *conditionEvaluator
}

func NewManualInterventionAdviser(resolver FailureStrategyResolver) *ManualInterventionAdviser {
	return &ManualInterventionAdviser{resolver: resolver, eval: newConditionEvaluator()}
}

func (a *ManualInterventionAdviser) Name() string { return "manual-intervention" }

func (a *ManualInterventionAdviser) CanAdvise(event AdviseEvent) bool {
	if blockedByExpiredAdviser(event) {
		return false
	}
	return schema.IsBrokenStatus(event.ToStatus)
}

func (a *ManualInterventionAdviser) OnAdviseEvent(ctx context.Context, event AdviseEvent) (*AdviserResponse, error) {
	strategy, err := a.selectStrategy(ctx, event)
	if err != nil || strategy == nil {
		return nil, err
	}

	timeout := DefaultInterventionTimeout
	if strategy.Timeout != "" {
		if d, parseErr := time.ParseDuration(strategy.Timeout); parseErr == nil {
			timeout = d
		}
	}

	switch strategy.TimeoutAction {
	case string(schema.RepairManualIntervention):
		return &AdviserResponse{
			Kind:         ResponseInterventionWait,
			RepairAction: schema.RepairManualIntervention,
			Timeout:      timeout,
		}, nil
	case schema.RollbackStage, schema.RollbackStepGroup:
		return &AdviserResponse{
			Kind:         ResponseInterventionWait,
			RepairAction: schema.RepairCustomFailure,
			Timeout:      timeout,
			Metadata:     map[string]string{schema.MetadataRollback: strategy.TimeoutAction},
		}, nil
	case string(schema.RepairIgnore):
		return &AdviserResponse{Kind: ResponseIgnore, RepairAction: schema.RepairIgnore}, nil
	case string(schema.RepairMarkSuccess):
		return &AdviserResponse{Kind: ResponseMarkSuccess, RepairAction: schema.RepairMarkSuccess}, nil
	case string(schema.RepairEndExecution), string(schema.RepairAbort):
		return &AdviserResponse{Kind: ResponseEndPlan, RepairAction: schema.RepairAction(strategy.TimeoutAction)}, nil
	default:
		return nil, nil
	}
}

func (a *ManualInterventionAdviser) selectStrategy(ctx context.Context, event AdviseEvent) (*FailureStrategy, error) {
	strategies, err := a.resolver.ResolveFailureStrategies(ctx, event.Ambiance)
	if err != nil {
		return nil, err
	}
	env := conditionEnv(event)
	for i := range strategies {
		st := &strategies[i]
		// Retry strategies belong to the RetryAdviser; this adviser serves the
		// fallback once the retry budget is spent.
		if st.TimeoutAction == string(schema.RepairRetry) {
			continue
		}
		if !matchesFailureTypes(event, st.ApplicableFailureTypes) {
			continue
		}
		ok, err := a.eval.EvalBool(st.When, env)
		if err != nil {
			return nil, err
		}
		if ok {
			return st, nil
		}
	}
	return nil, nil
}

// RetryAdviser answers failures with a bounded retry. Exhausting the retry
// budget falls through to the next adviser in the chain.
type RetryAdviser struct {
	resolver FailureStrategyResolver
	eval     *conditionEvaluator
}

func NewRetryAdviser(resolver FailureStrategyResolver) *RetryAdviser {
	return &RetryAdviser{resolver: resolver, eval: newConditionEvaluator()}
}

func (a *RetryAdviser) Name() string { return "retry" }

func (a *RetryAdviser) CanAdvise(event AdviseEvent) bool {
	if blockedByExpiredAdviser(event) {
		return false
	}
	return schema.IsBrokenStatus(event.ToStatus)
}

func (a *RetryAdviser) OnAdviseEvent(ctx context.Context, event AdviseEvent) (*AdviserResponse, error) {
	strategies, err := a.resolver.ResolveFailureStrategies(ctx, event.Ambiance)
	if err != nil {
		return nil, err
	}
	env := conditionEnv(event)
	for i := range strategies {
		st := &strategies[i]
		if st.TimeoutAction != string(schema.RepairRetry) || st.RetryPolicy == nil {
			continue
		}
		if !matchesFailureTypes(event, st.ApplicableFailureTypes) {
			continue
		}
		ok, err := a.eval.EvalBool(st.When, env)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if event.RetryCount >= st.RetryPolicy.MaxAttempts {
			return nil, nil // budget spent, let the chain continue
		}
		return &AdviserResponse{
			Kind:         ResponseRetry,
			RepairAction: schema.RepairRetry,
			RetryPolicy:  st.RetryPolicy,
		}, nil
	}
	return nil, nil
}
