package propagation

import (
	"context"
	"log/slog"

	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

// Router picks the propagation strategy for an applied transition. The set of
// strategies is closed and built once at construction.
type Router struct {
	pause       Propagator
	resume      Propagator
	discontinue Propagator
	noop        Propagator
}

func NewRouter(st store.Store, plans *execution.PlanExecutionService, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		pause:       NewPausePropagator(st, plans, cfg, logger),
		resume:      NewResumePropagator(st, plans, cfg, logger),
		discontinue: NewDiscontinuePropagator(plans, logger),
		noop:        NoopPropagator{},
	}
}

// HandleStatusUpdate routes to the strategy matching the transition.
func (r *Router) HandleStatusUpdate(ctx context.Context, info StatusUpdateInfo) error {
	return r.propagatorFor(info).HandleStatusUpdate(ctx, info)
}

func (r *Router) propagatorFor(info StatusUpdateInfo) Propagator {
	switch info.ToStatus {
	case schema.StatusPaused:
		return r.pause
	case schema.StatusDiscontinuing:
		return r.discontinue
	case schema.StatusRunning, schema.StatusQueued:
		if info.FromStatus == schema.StatusPaused {
			return r.resume
		}
		return r.noop
	default:
		return r.noop
	}
}

var _ Propagator = (*Router)(nil)
