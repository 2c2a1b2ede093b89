package interrupts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/conduct/internal/execution"
	"github.com/rendis/conduct/internal/logging"
	"github.com/rendis/conduct/internal/propagation"
	"github.com/rendis/conduct/internal/store"
	"github.com/rendis/conduct/internal/waitnotify"
	"github.com/rendis/conduct/pkg/schema"
)

// CallbackTypeNodeResume resumes a node paused by an interrupt once a
// RESUME_ALL notification arrives through the bridge.
const CallbackTypeNodeResume = "interrupt_node_resume"

// NodeResumePayload is the callback payload for CallbackTypeNodeResume.
type NodeResumePayload struct {
	NodeExecutionID string                 `json:"node_execution_id"`
	ResumeTo        schema.ExecutionStatus `json:"resume_to"`
}

func pauseResumeCorrelation(nodeExecutionID string) string {
	return "pause-resume:" + nodeExecutionID
}

// Handler applies one interrupt type. HandleInterrupt is the plan-wide entry
// point; HandleForNode applies the per-node effect. Node state is only ever
// mutated through the node execution service, and every attempt leaves an
// InterruptEffect whether or not it won the underlying guarded update.
type Handler interface {
	HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error
	HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error
}

type handlerDeps struct {
	store      store.Store
	nodes      *execution.NodeExecutionService
	plans      *execution.PlanExecutionService
	propagator propagation.Propagator
	bridge     *waitnotify.Bridge
	pool       *WorkerPool
	logger     *slog.Logger
}

func (d *handlerDeps) effect(interrupt *store.Interrupt, tookEffect bool) *store.InterruptEffect {
	return &store.InterruptEffect{
		InterruptID:   interrupt.UUID,
		InterruptType: interrupt.Type,
		Config:        interrupt.Config.Marshal(),
		TookEffect:    tookEffect,
	}
}

// recordLostRace logs the interrupt attempt that did not win the guarded
// update; the effect log records every attempt, not only the winner.
func (d *handlerDeps) recordLostRace(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	eff := d.effect(interrupt, false)
	eff.NodeExecutionID = nodeExecutionID
	return d.store.AppendInterruptEffect(ctx, eff)
}

// fanOut applies the per-node effect to every given node through the pool.
// The first error any node effect hits is returned once all effects finished,
// so a plan-wide interrupt is never marked processed over a failed node: a
// persistence conflict bubbles up and puts the interrupt back to REGISTERED.
func (d *handlerDeps) fanOut(ctx context.Context, h Handler, interrupt *store.Interrupt, nodes []*store.NodeExecution) error {
	var mu sync.Mutex
	var firstErr error
	for _, node := range nodes {
		nodeID := node.UUID
		if err := d.pool.Submit(ctx, func(ctx context.Context) error {
			err := h.HandleForNode(ctx, interrupt, nodeID)
			if err != nil {
				logging.LogWith(ctx, d.logger).ErrorContext(ctx, "interrupt node effect failed",
					"interrupt_id", interrupt.UUID, "node_execution_id", nodeID, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return err
		}); err != nil {
			return err
		}
	}
	d.pool.Wait()
	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// --- PAUSE_ALL / PAUSE ---

type pauseHandler struct{ *handlerDeps }

func (h *pauseHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	active, err := h.nodes.ListActive(ctx, interrupt.PlanExecutionID)
	if err != nil {
		return err
	}
	if err := h.fanOut(ctx, h, interrupt, active); err != nil {
		return err
	}
	return h.propagator.HandleStatusUpdate(ctx, propagation.StatusUpdateInfo{
		PlanExecutionID: interrupt.PlanExecutionID,
		FromStatus:      schema.StatusRunning,
		ToStatus:        schema.StatusPaused,
	})
}

func (h *pauseHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	// resumeTo comes from the guard that wins, not a pre-read: a queued node
	// goes back to QUEUED, anything else resumes as RUNNING. The two guarded
	// attempts are disjoint so the winner reflects the actual pre-image.
	resumeTo := schema.StatusQueued
	updated, err := h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusPaused,
		[]schema.ExecutionStatus{schema.StatusQueued},
		&store.NodeUpdateOps{AppendEffect: h.effect(interrupt, true)})
	if err != nil {
		return err
	}
	if updated == nil {
		resumeTo = schema.StatusRunning
		updated, err = h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusPaused,
			[]schema.ExecutionStatus{schema.StatusRunning, schema.StatusPausing},
			&store.NodeUpdateOps{AppendEffect: h.effect(interrupt, true)})
		if err != nil {
			return err
		}
	}
	if updated == nil {
		return h.recordLostRace(ctx, interrupt, nodeExecutionID)
	}

	payload, _ := json.Marshal(NodeResumePayload{NodeExecutionID: nodeExecutionID, ResumeTo: resumeTo})
	_, err = h.bridge.WaitForAllOn(ctx, "interrupts", nodeExecutionID,
		store.CallbackRecord{Type: CallbackTypeNodeResume, Payload: payload},
		pauseResumeCorrelation(nodeExecutionID))
	return err
}

// --- RESUME_ALL ---

type resumeHandler struct{ *handlerDeps }

func (h *resumeHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	paused, err := h.nodes.List(ctx, store.NodeExecutionFilter{
		PlanExecutionID: interrupt.PlanExecutionID,
		Statuses:        []schema.ExecutionStatus{schema.StatusPaused},
	})
	if err != nil {
		return err
	}
	for _, node := range paused {
		// The notification fires the resume callback the pause registered.
		if err := h.bridge.Notify(ctx, pauseResumeCorrelation(node.UUID), nil); err != nil {
			return err
		}
		eff := h.effect(interrupt, true)
		eff.NodeExecutionID = node.UUID
		if err := h.store.AppendInterruptEffect(ctx, eff); err != nil {
			return err
		}
	}
	return h.propagator.HandleStatusUpdate(ctx, propagation.StatusUpdateInfo{
		PlanExecutionID: interrupt.PlanExecutionID,
		FromStatus:      schema.StatusPaused,
		ToStatus:        schema.StatusRunning,
	})
}

func (h *resumeHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	if err := h.bridge.Notify(ctx, pauseResumeCorrelation(nodeExecutionID), nil); err != nil {
		return err
	}
	eff := h.effect(interrupt, true)
	eff.NodeExecutionID = nodeExecutionID
	return h.store.AppendInterruptEffect(ctx, eff)
}

// --- ABORT_ALL / ABORT ---

type abortHandler struct{ *handlerDeps }

func (h *abortHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	active, err := h.nodes.ListActive(ctx, interrupt.PlanExecutionID)
	if err != nil {
		return err
	}
	if err := h.fanOut(ctx, h, interrupt, active); err != nil {
		return err
	}
	// All leaves settled; land the plan itself.
	_, err = h.plans.TryUpdateStatus(ctx, interrupt.PlanExecutionID, schema.StatusAborted, nil)
	return err
}

func (h *abortHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	// Direct abort first (queued, paused, waiting); running nodes go through
	// DISCONTINUING so in-flight work sees the cancellation signal.
	updated, err := h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusAborted, nil,
		&store.NodeUpdateOps{AppendEffect: h.effect(interrupt, true)})
	if err != nil {
		return err
	}
	if updated != nil {
		return nil
	}
	if _, err := h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusDiscontinuing, nil, nil); err != nil {
		return err
	}
	updated, err = h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusAborted, nil,
		&store.NodeUpdateOps{AppendEffect: h.effect(interrupt, true)})
	if err != nil {
		return err
	}
	if updated == nil {
		return h.recordLostRace(ctx, interrupt, nodeExecutionID)
	}
	return nil
}

// --- RETRY ---

type retryHandler struct{ *handlerDeps }

func (h *retryHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	return schema.NewError(schema.ErrCodeInvalidRequest, "RETRY interrupt requires a node execution id")
}

func (h *retryHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	node, err := h.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if schema.IsBrokenStatus(node.Status) {
		if delay := execution.ComputeBackoff(interrupt.Config.RetryPolicy, node.RetryCount); delay > 0 {
			if err := execution.WaitForBackoff(ctx, delay); err != nil {
				return err
			}
		}
		if _, err := h.nodes.RetryNode(ctx, nodeExecutionID); err != nil {
			return err
		}
		eff := h.effect(interrupt, true)
		eff.NodeExecutionID = nodeExecutionID
		return h.store.AppendInterruptEffect(ctx, eff)
	}

	// A waiting node re-enters the queue directly.
	updated, err := h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusQueued,
		[]schema.ExecutionStatus{schema.StatusInputWaiting, schema.StatusInterventionWaiting},
		&store.NodeUpdateOps{AppendEffect: h.effect(interrupt, true)})
	if err != nil {
		return err
	}
	if updated == nil {
		return h.recordLostRace(ctx, interrupt, nodeExecutionID)
	}
	return nil
}

// --- MARK_EXPIRED ---

type markExpiredHandler struct{ *handlerDeps }

func (h *markExpiredHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	return schema.NewError(schema.ErrCodeInvalidRequest, "MARK_EXPIRED interrupt requires a node execution id")
}

func (h *markExpiredHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	now := time.Now().UTC()
	updated, err := h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusExpired, nil,
		&store.NodeUpdateOps{
			AppendEffect: h.effect(interrupt, true),
			SetFailureInfo: &schema.FailureInfo{
				Message: expireMessage(interrupt),
				Types:   []schema.FailureType{schema.FailureTimeout},
			},
			SetEndedAt: &now,
		})
	if err != nil {
		return err
	}
	if updated == nil {
		return h.recordLostRace(ctx, interrupt, nodeExecutionID)
	}
	return nil
}

func expireMessage(interrupt *store.Interrupt) string {
	if interrupt.Config.Reason != "" {
		return interrupt.Config.Reason
	}
	return "execution expired"
}

// --- MARK_SUCCESS ---

type markSuccessHandler struct{ *handlerDeps }

func (h *markSuccessHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	return schema.NewError(schema.ErrCodeInvalidRequest, "MARK_SUCCESS interrupt requires a node execution id")
}

func (h *markSuccessHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	updated, err := h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusSucceeded,
		[]schema.ExecutionStatus{schema.StatusRunning, schema.StatusInterventionWaiting},
		&store.NodeUpdateOps{AppendEffect: h.effect(interrupt, true)})
	if err != nil {
		return err
	}
	if updated == nil {
		return h.recordLostRace(ctx, interrupt, nodeExecutionID)
	}
	return nil
}

// --- IGNORE ---

type ignoreHandler struct{ *handlerDeps }

func (h *ignoreHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	return schema.NewError(schema.ErrCodeInvalidRequest, "IGNORE interrupt requires a node execution id")
}

// HandleForNode records the decision without touching the node status: the
// failure stands, but the flow is told to continue past it.
func (h *ignoreHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	eff := h.effect(interrupt, true)
	eff.NodeExecutionID = nodeExecutionID
	return h.store.AppendInterruptEffect(ctx, eff)
}

// --- CUSTOM_FAILURE ---

type customFailureHandler struct{ *handlerDeps }

func (h *customFailureHandler) HandleInterrupt(ctx context.Context, interrupt *store.Interrupt) error {
	return schema.NewError(schema.ErrCodeInvalidRequest, "CUSTOM_FAILURE interrupt requires a node execution id")
}

func (h *customFailureHandler) HandleForNode(ctx context.Context, interrupt *store.Interrupt, nodeExecutionID string) error {
	now := time.Now().UTC()
	message := interrupt.Config.Reason
	if message == "" {
		message = "failed by interrupt"
	}
	updated, err := h.nodes.TryUpdateStatus(ctx, nodeExecutionID, schema.StatusFailed, nil,
		&store.NodeUpdateOps{
			AppendEffect: h.effect(interrupt, true),
			SetFailureInfo: &schema.FailureInfo{
				Message: message,
				Types:   []schema.FailureType{schema.FailureApplication},
			},
			SetEndedAt: &now,
		})
	if err != nil {
		return err
	}
	if updated == nil {
		return h.recordLostRace(ctx, interrupt, nodeExecutionID)
	}
	return nil
}
