package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/pkg/schema"
)

// RetentionConfig controls when finished plan executions are scrubbed.
type RetentionConfig struct {
	// Schedule is a standard 5-field cron expression. Empty disables the
	// background loop; Sweep can still be called directly.
	Schedule string `json:"schedule"`
	// TTL is how long a finished plan execution is kept after it ended.
	TTL time.Duration `json:"ttl"`
	// BatchSize caps plans deleted per sweep.
	BatchSize int `json:"batch_size"`
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.TTL <= 0 {
		c.TTL = 30 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Service runs the retention sweep: find plans past their TTL, hand their
// nodes to every interested observer, then drop the plan itself.
type Service struct {
	store     store.Store
	observers []Observer
	cfg       RetentionConfig
	parser    cron.Parser
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the service with the built-in observer set, in deletion
// order, plus any extras the caller registers.
func NewService(st store.Store, cfg RetentionConfig, logger *slog.Logger, extra ...Observer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	observers := []Observer{
		&interruptObserver{store: st},
		&waitInstanceObserver{store: st},
		&executionInputObserver{store: st},
		&timeoutObserver{store: st},
		&approvalObserver{store: st},
	}
	observers = append(observers, extra...)
	// Node deletion last so record-scoped observers still see the nodes.
	observers = append(observers, &nodeObserver{store: st})
	return &Service{
		store:     st,
		observers: observers,
		cfg:       cfg.withDefaults(),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
	}
}

// Start launches the background sweep loop per the cron schedule.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Schedule == "" {
		return schema.NewError(schema.ErrCodeInvalidRequest, "retention schedule is empty")
	}
	sched, err := s.parser.Parse(s.cfg.Schedule)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidRequest,
			"bad retention schedule %q: %s", s.cfg.Schedule, err.Error()).WithCause(err)
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeInvalidRequest, "retention service already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx, sched)
	s.logger.Info("retention service started", "schedule", s.cfg.Schedule, "ttl", s.cfg.TTL)
	return nil
}

func (s *Service) loop(ctx context.Context, sched cron.Schedule) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	next := sched.Next(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if now.Before(next) {
				continue
			}
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
			next = sched.Next(now)
		}
	}
}

// Stop halts the loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep deletes finished plan executions older than the TTL and returns how
// many plans were removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.TTL)
	expired, err := s.store.ListPlanExecutions(ctx, store.PlanExecutionFilter{
		EndedBefore: &cutoff,
		Limit:       s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, plan := range expired {
		if err := s.deletePlan(ctx, plan); err != nil {
			s.logger.Error("failed to scrub plan execution",
				"plan_execution_id", plan.UUID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("retention sweep done", "deleted_plans", deleted)
		if err := s.store.Vacuum(ctx); err != nil {
			s.logger.Warn("vacuum after sweep failed", "error", err)
		}
	}
	return deleted, nil
}

func (s *Service) deletePlan(ctx context.Context, plan *store.PlanExecution) error {
	nodes, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: plan.UUID,
		IncludeRetried:  true,
	})
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		for _, o := range s.observers {
			if !o.Interested(nodes) {
				continue
			}
			if err := o.OnNodesDelete(ctx, nodes); err != nil {
				return schema.NewErrorf(schema.ErrCodeStore,
					"observer %s failed for plan %s: %s", o.Name(), plan.UUID, err.Error()).WithCause(err)
			}
		}
	}
	return s.store.DeletePlanExecution(ctx, plan.UUID)
}

// ScrubPlan runs the observer chain for one plan immediately, regardless of
// TTL. Used when an abort should drop suspended bookkeeping right away.
func (s *Service) ScrubPlan(ctx context.Context, planExecutionID string) error {
	plan, err := s.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	return s.deletePlan(ctx, plan)
}
