package advise

import (
	"context"
	"log/slog"

	"github.com/rendis/conduct/internal/logging"
)

// Engine runs the adviser chain for one event. Advisers are consulted in
// registration order; the first non-nil response wins. A nil response from
// the whole chain means the failure stands as-is.
type Engine struct {
	advisers []Adviser
	logger   *slog.Logger
}

func NewEngine(logger *slog.Logger, advisers ...Adviser) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{advisers: advisers, logger: logger}
}

// Advise consults the chain and returns the winning response along with the
// adviser that produced it, or (nil, "") when no adviser spoke up.
func (e *Engine) Advise(ctx context.Context, event AdviseEvent) (*AdviserResponse, string, error) {
	log := logging.LogWith(ctx, e.logger)
	for _, adviser := range e.advisers {
		if !adviser.CanAdvise(event) {
			continue
		}
		resp, err := adviser.OnAdviseEvent(ctx, event)
		if err != nil {
			return nil, "", err
		}
		if resp == nil {
			continue
		}
		log.InfoContext(ctx, "adviser produced response",
			"adviser", adviser.Name(),
			"node_execution_id", event.NodeExecutionID,
			"kind", resp.Kind,
			"repair_action", resp.RepairAction)
		return resp, adviser.Name(), nil
	}
	log.DebugContext(ctx, "no adviser responded",
		"node_execution_id", event.NodeExecutionID, "to_status", event.ToStatus)
	return nil, "", nil
}
