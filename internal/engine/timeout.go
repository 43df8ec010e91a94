package engine

import (
	"context"
	"log/slog"
	"os"

	"github.com/rendis/wajourney/internal/logging"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/internal/validation"
	"github.com/rendis/wajourney/pkg/schema"
)

// TimeoutHandler fires reply timeouts scheduled by wait_for_reply nodes.
type TimeoutHandler struct {
	store    store.Store
	graphs   validation.GraphLoader
	advancer Advancer
	fsm      *ExecutionFSM
	logger   *slog.Logger
}

// NewTimeoutHandler creates a TimeoutHandler.
func NewTimeoutHandler(s store.Store, graphs validation.GraphLoader, advancer Advancer, logger *slog.Logger) *TimeoutHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &TimeoutHandler{
		store:    s,
		graphs:   graphs,
		advancer: advancer,
		fsm:      NewExecutionFSM(s),
		logger:   logger,
	}
}

// HandleTimeout routes an execution still waiting at p.NodeID to the node's
// timeout target, or marks it timed out. Anything else is a stale timeout
// and is ignored.
func (h *TimeoutHandler) HandleTimeout(ctx context.Context, p schema.TimeoutPayload) error {
	ctx = logging.WithNodeID(logging.WithExecutionID(ctx, p.ExecutionID), p.NodeID)

	exec, err := h.store.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusWaiting || exec.CurrentNodeID != p.NodeID {
		h.logger.DebugContext(ctx, "stale timeout ignored",
			slog.String("status", string(exec.Status)), slog.String("current_node_id", exec.CurrentNodeID))
		return nil
	}

	target, err := h.timeoutTarget(ctx, exec, p.NodeID)
	if err != nil {
		return err
	}

	if target == "" {
		if err := h.fsm.Transition(ctx, exec, schema.ExecutionStatusTimedOut, store.ExecutionUpdate{}); err != nil {
			return h.settle(ctx, err)
		}
		h.logger.InfoContext(ctx, "execution timed out")
		return appendEvent(ctx, h.store, exec.ID, schema.EventTimeoutFired, p.NodeID, map[string]any{"outcome": "timed_out"})
	}

	if err := h.fsm.Transition(ctx, exec, schema.ExecutionStatusActive, store.ExecutionUpdate{CurrentNodeID: &target}); err != nil {
		return h.settle(ctx, err)
	}
	if err := appendEvent(ctx, h.store, exec.ID, schema.EventTimeoutFired, p.NodeID, map[string]any{
		"outcome":      "routed",
		"next_node_id": target,
	}); err != nil {
		return err
	}
	return h.advancer.AdvanceOrDefer(ctx, exec.ID, schema.TriggerTimeout)
}

func (h *TimeoutHandler) timeoutTarget(ctx context.Context, exec *store.Execution, nodeID string) (string, error) {
	journey, err := h.store.GetJourney(ctx, exec.JourneyID)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	graph, err := h.graphs.Load(journey.Graph)
	if err != nil {
		h.logger.WarnContext(ctx, "journey graph invalid, timing out", slog.String("error", err.Error()))
		return "", nil
	}
	node := graph.Node(nodeID)
	if node == nil {
		return "", nil
	}
	if cfg, ok := node.Config.(*schema.WaitForReplyConfig); ok && cfg.TimeoutNodeID != "" {
		return cfg.TimeoutNodeID, nil
	}
	return graph.EdgeForHandle(nodeID, schema.HandleTimeout), nil
}

// settle treats a lost race as a reply that arrived first.
func (h *TimeoutHandler) settle(ctx context.Context, err error) error {
	if isConflict(err) {
		h.logger.InfoContext(ctx, "execution moved before timeout applied")
		return nil
	}
	return err
}
