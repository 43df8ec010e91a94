package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/wajourney/internal/logging"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/internal/validation"
	"github.com/rendis/wajourney/pkg/schema"
)

const (
	// DefaultMaxSteps bounds the nodes one advance may execute.
	DefaultMaxSteps = 50
	// DefaultLeaseTTL is how long an advance owns an execution without
	// completing a node.
	DefaultLeaseTTL = 2 * time.Minute
)

// RunnerConfig holds configuration for the Runner.
type RunnerConfig struct {
	MaxSteps int
	// LeaseTTL is renewed after every node. It must outlast the slowest
	// node, or a second advance may take over a live one.
	LeaseTTL time.Duration
}

// Runner drives one execution through its journey graph until it suspends
// or terminates, persisting state after every node.
type Runner struct {
	store    store.Store
	graphs   validation.GraphLoader
	executor NodeExecutor
	enqueuer Enqueuer
	fsm      *ExecutionFSM
	config   RunnerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(s store.Store, graphs validation.GraphLoader, executor NodeExecutor, enq Enqueuer, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Runner{
		store:    s,
		graphs:   graphs,
		executor: executor,
		enqueuer: enq,
		fsm:      NewExecutionFSM(s),
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FSM returns the status machine the Runner persists transitions through.
func (r *Runner) FSM() *ExecutionFSM {
	return r.fsm
}

// run is the state of one Advance call.
type run struct {
	owner  string
	exec   *store.Execution
	graph  *schema.Graph
	sender *store.Sender
}

// lease returns a fresh ownership claim for rn.
func (r *Runner) lease(rn *run) *store.ExecutionLease {
	return &store.ExecutionLease{Owner: rn.owner, ExpiresAt: r.now().Add(r.config.LeaseTTL)}
}

// Advance moves the execution forward from its current node. Journey
// problems (configuration errors, gateway failures, runaway loops) end the
// execution as failed and return nil. Store failures are returned so the
// enclosing job is retried from the persisted node.
func (r *Runner) Advance(ctx context.Context, executionID string, trigger schema.Trigger) error {
	return r.Run(ctx, schema.AdvancePayload{ExecutionID: executionID, Trigger: trigger})
}

// Run is Advance driven by a job payload.
func (r *Runner) Run(ctx context.Context, p schema.AdvancePayload) error {
	ctx = logging.WithExecutionID(ctx, p.ExecutionID)

	exec, err := r.store.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		return err
	}
	if !accepts(exec, p) {
		r.logger.DebugContext(ctx, "advance skipped",
			slog.String("status", string(exec.Status)),
			slog.String("trigger", string(p.Trigger)),
			slog.String("current_node_id", exec.CurrentNodeID))
		return nil
	}
	rn := &run{owner: uuid.New().String(), exec: exec}
	if exec.Leased(rn.owner, r.now()) {
		r.logger.InfoContext(ctx, "execution owned by a running advance, skipping",
			slog.String("trigger", string(p.Trigger)),
			slog.Time("lease_expires_at", *exec.LeaseExpiresAt))
		return nil
	}

	if err := r.load(ctx, rn); err != nil {
		if isInfraError(ctx, err) {
			return err
		}
		return r.settle(ctx, r.fail(ctx, rn, exec.CurrentNodeID, err))
	}

	nodeID, err := resolveStart(rn, p.Trigger)
	if err != nil {
		return r.settle(ctx, r.fail(ctx, rn, exec.CurrentNodeID, err))
	}
	if nodeID == "" {
		// Reply safety net hit a wait node with nowhere to go.
		return r.settle(ctx, r.complete(ctx, rn))
	}

	if err := r.claim(ctx, rn, nodeID); err != nil {
		return r.settle(ctx, err)
	}
	err = r.loop(ctx, rn, nodeID)
	if err != nil && isInfraError(ctx, err) {
		r.release(ctx, rn)
	}
	return r.settle(ctx, err)
}

// release drops the lease of an advance that is about to be retried, so the
// retry does not wait out the TTL. On failure the lease simply expires.
func (r *Runner) release(ctx context.Context, rn *run) {
	if rn.exec.LeaseOwner != rn.owner {
		return
	}
	if err := Save(context.WithoutCancel(ctx), r.store, rn.exec, store.ExecutionUpdate{Lease: &store.ExecutionLease{}}); err != nil {
		r.logger.WarnContext(ctx, "release execution lease", slog.String("error", err.Error()))
	}
}

// accepts is the status guard that makes duplicate deliveries no-ops.
// Start, reply and timeout advances expect the creator or the router to have
// set the execution active. Resumes expect it waiting at the delay target.
func accepts(exec *store.Execution, p schema.AdvancePayload) bool {
	if p.NodeID != "" && exec.CurrentNodeID != p.NodeID {
		return false
	}
	switch exec.Status {
	case schema.ExecutionStatusActive:
		return p.Trigger != schema.TriggerResume
	case schema.ExecutionStatusWaiting:
		return p.Trigger == schema.TriggerReply || p.Trigger == schema.TriggerResume
	}
	return false
}

func (r *Runner) load(ctx context.Context, rn *run) error {
	journey, err := r.store.GetJourney(ctx, rn.exec.JourneyID)
	if err != nil {
		if isNotFound(err) {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "journey %q not found", rn.exec.JourneyID).WithCause(err)
		}
		return storeErr("load journey", err)
	}
	graph, err := r.graphs.Load(journey.Graph)
	if err != nil {
		return err
	}
	rn.graph = graph

	if rn.exec.SenderID == "" {
		return nil
	}
	sender, err := r.store.GetSender(ctx, rn.exec.SenderID)
	switch {
	case err == nil:
		rn.sender = sender
	case isNotFound(err):
		// Tolerated until a send node needs it.
	default:
		return storeErr("load sender", err)
	}
	return nil
}

// resolveStart picks the first node to execute. An empty result with no
// error means the journey has nothing left to run.
func resolveStart(rn *run, trigger schema.Trigger) (string, error) {
	nodeID := rn.exec.CurrentNodeID
	if nodeID == "" {
		start, err := rn.graph.StartNode()
		if err != nil {
			return "", err
		}
		return start.ID, nil
	}

	node := rn.graph.Node(nodeID)
	if node == nil {
		return "", schema.NewErrorf(schema.ErrCodeConfiguration, "current node %q is not in the journey graph", nodeID)
	}
	// Normally the router has already moved past the wait node. This covers
	// a reply whose routing was interrupted.
	if trigger == schema.TriggerReply && node.Type == schema.NodeWaitForReply &&
		rn.exec.Status == schema.ExecutionStatusWaiting {
		return rn.graph.FirstDefaultEdge(nodeID), nil
	}
	return nodeID, nil
}

// claim marks the execution active at nodeID and takes its lease. The write
// is a compare-and-set on the version read by Advance, so only one
// concurrent advance wins; later ones see the lease and back off.
func (r *Runner) claim(ctx context.Context, rn *run, nodeID string) error {
	update := store.ExecutionUpdate{CurrentNodeID: &nodeID, Lease: r.lease(rn)}
	if rn.exec.Status == schema.ExecutionStatusWaiting {
		return r.fsm.Transition(ctx, rn.exec, schema.ExecutionStatusActive, update)
	}
	return Save(ctx, r.store, rn.exec, update)
}

func (r *Runner) loop(ctx context.Context, rn *run, nodeID string) error {
	exec := rn.exec
	for steps := 0; ; steps++ {
		if steps >= r.config.MaxSteps {
			return r.fail(ctx, rn, nodeID,
				schema.NewErrorf(schema.ErrCodeMaxSteps, "max steps exceeded").
					WithDetails(map[string]any{"max_steps": r.config.MaxSteps}))
		}

		node := rn.graph.Node(nodeID)
		if node == nil {
			return r.fail(ctx, rn, nodeID,
				schema.NewErrorf(schema.ErrCodeConfiguration, "edge points to unknown node %q", nodeID))
		}
		nodeCtx := logging.WithNodeID(ctx, node.ID)

		if err := appendEvent(nodeCtx, r.store, exec.ID, schema.EventNodeEntered, node.ID,
			map[string]any{"type": string(node.Type), "step": steps + 1}); err != nil {
			return err
		}

		res, err := r.executor.Execute(nodeCtx, node, rn.graph, BuildContext(exec), exec, rn.sender)
		if err != nil {
			if isInfraError(nodeCtx, err) {
				return err
			}
			return r.fail(nodeCtx, rn, node.ID, err)
		}

		for _, ev := range res.Events {
			ev.ExecutionID = exec.ID
			if err := r.store.AppendEvent(nodeCtx, ev); err != nil {
				return storeErr("append "+ev.Type+" event", err)
			}
		}
		if err := appendEvent(nodeCtx, r.store, exec.ID, schema.EventNodeCompleted, node.ID,
			map[string]any{"next_node_id": res.NextNodeID}); err != nil {
			return err
		}

		if len(res.NewVariables) > 0 {
			vars := mergeVariables(exec.Variables, res.NewVariables)
			if err := Save(nodeCtx, r.store, exec, store.ExecutionUpdate{Variables: &vars}); err != nil {
				return err
			}
		}

		switch {
		case res.ScheduleAt != nil:
			payload := schema.AdvancePayload{ExecutionID: exec.ID, Trigger: schema.TriggerResume, NodeID: res.NextNodeID}
			if _, err := r.enqueuer.Enqueue(nodeCtx, schema.JobAdvanceExecution, payload, *res.ScheduleAt,
				schema.JobAdvanceExecution.DefaultPriority()); err != nil {
				return storeErr("enqueue resume", err)
			}
			next := res.NextNodeID
			r.logger.InfoContext(nodeCtx, "execution delayed",
				slog.Time("resume_at", *res.ScheduleAt),
				slog.String("next_node_id", next))
			return r.fsm.Transition(nodeCtx, exec, schema.ExecutionStatusWaiting, store.ExecutionUpdate{CurrentNodeID: &next})

		case res.Suspend:
			current := node.ID
			r.logger.DebugContext(nodeCtx, "execution waiting")
			return r.fsm.Transition(nodeCtx, exec, schema.ExecutionStatusWaiting, store.ExecutionUpdate{CurrentNodeID: &current})

		case res.NextNodeID == "":
			return r.complete(nodeCtx, rn)
		}

		nodeID = res.NextNodeID
		if err := Save(nodeCtx, r.store, exec, store.ExecutionUpdate{CurrentNodeID: &nodeID, Lease: r.lease(rn)}); err != nil {
			return err
		}
	}
}

func (r *Runner) complete(ctx context.Context, rn *run) error {
	if rn.exec.Status == schema.ExecutionStatusWaiting {
		if err := r.fsm.Transition(ctx, rn.exec, schema.ExecutionStatusActive, store.ExecutionUpdate{}); err != nil {
			return err
		}
	}
	if err := r.fsm.Transition(ctx, rn.exec, schema.ExecutionStatusCompleted, store.ExecutionUpdate{}); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "execution completed")
	return nil
}

// fail records an error event and marks the execution failed. The returned
// error is non-nil only when persisting the failure itself went wrong.
func (r *Runner) fail(ctx context.Context, rn *run, nodeID string, cause error) error {
	exec := rn.exec
	reason := cause.Error()
	data := map[string]any{}
	var fe *schema.FlowError
	if errors.As(cause, &fe) {
		reason = fe.Message
		data["code"] = fe.Code
		if fe.NodeID != "" {
			nodeID = fe.NodeID
		}
	}
	data["message"] = reason
	if err := appendEvent(ctx, r.store, exec.ID, schema.EventError, nodeID, data); err != nil {
		return err
	}

	r.logger.WarnContext(ctx, "execution failed", slog.String("node_id", nodeID), slog.String("error", reason))
	return r.fsm.Transition(ctx, exec, schema.ExecutionStatusFailed, store.ExecutionUpdate{Error: &reason})
}

// settle turns the outcome of an advance into the job result. Losing the
// version race means another advance owns the execution.
func (r *Runner) settle(ctx context.Context, err error) error {
	if err != nil && isConflict(err) {
		r.logger.InfoContext(ctx, "execution advanced concurrently, yielding")
		return nil
	}
	return err
}

// AdvanceOrDefer advances inline and, when that hits an infrastructure
// failure, hands the advance to the queue so the caller's own job need not
// be replayed.
func (r *Runner) AdvanceOrDefer(ctx context.Context, executionID string, trigger schema.Trigger) error {
	err := r.Advance(ctx, executionID, trigger)
	if err == nil {
		return nil
	}
	r.logger.WarnContext(ctx, "inline advance failed, deferring to queue",
		slog.String("execution_id", executionID), slog.String("error", err.Error()))
	payload := schema.AdvancePayload{ExecutionID: executionID, Trigger: trigger}
	if _, qerr := r.enqueuer.Enqueue(ctx, schema.JobAdvanceExecution, payload, time.Now().UTC(),
		schema.JobAdvanceExecution.DefaultPriority()); qerr != nil {
		return storeErr("defer advance", qerr)
	}
	return nil
}
