package advise

import (
	"context"

	"github.com/rendis/conduct/pkg/schema"
)

// FailureStrategy is one declared remediation rule for a scope. TimeoutAction
// is a RepairAction constant or one of the rollback scope constants; When is
// an optional boolean condition evaluated against the event environment
// (status, from_status, failure_types, retry_count, message, identifier,
// step_type).
type FailureStrategy struct {
	When                   string               `json:"when,omitempty"`
	ApplicableFailureTypes []schema.FailureType `json:"applicable_failure_types,omitempty"`
	TimeoutAction          string               `json:"timeout_action"`
	Timeout                string               `json:"timeout,omitempty"` // e.g. "1h"
	RetryPolicy            *schema.RetryPolicy  `json:"retry_policy,omitempty"`
}

// FailureStrategyResolver looks up the failure strategies declared for an
// execution scope. Format and storage of the configuration are the caller's
// concern; the engine only needs the resolved rules.
type FailureStrategyResolver interface {
	ResolveFailureStrategies(ctx context.Context, amb schema.Ambiance) ([]FailureStrategy, error)
}

// StaticResolver resolves strategies from an in-memory map keyed by level
// identifier, falling back to a default rule set. Deeper levels win: the
// deepest level of the ambiance with declared strategies is used.
type StaticResolver struct {
	ByIdentifier map[string][]FailureStrategy
	Defaults     []FailureStrategy
}

func (r *StaticResolver) ResolveFailureStrategies(_ context.Context, amb schema.Ambiance) ([]FailureStrategy, error) {
	for i := len(amb.Levels) - 1; i >= 0; i-- {
		if strategies, ok := r.ByIdentifier[amb.Levels[i].Identifier]; ok {
			return strategies, nil
		}
	}
	return r.Defaults, nil
}

var _ FailureStrategyResolver = (*StaticResolver)(nil)
