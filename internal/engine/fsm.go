package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// TransitionHook is called after a status transition has been persisted.
type TransitionHook func(ctx context.Context, exec *store.Execution, from, to schema.ExecutionStatus)

// ExecutionWriter is the slice of the Store the FSM writes through.
type ExecutionWriter interface {
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution status transitions and persists them as
// a compare-and-set on the execution version.
type ExecutionFSM struct {
	writer ExecutionWriter
	now    func() time.Time

	mu    sync.Mutex
	after map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM that persists through w.
func NewExecutionFSM(w ExecutionWriter) *ExecutionFSM {
	return &ExecutionFSM{
		writer: w,
		now:    func() time.Time { return time.Now().UTC() },
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnAfter registers a hook called after a persisted transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves exec to status to, applying the other fields of update in
// the same write. Terminal states get a completion time when the update has
// none. On success exec reflects the persisted row, including its version.
// A lost race returns CONFLICT and leaves exec untouched.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	from := exec.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	update.Status = &to
	if to != schema.ExecutionStatusActive && update.Lease == nil {
		update.Lease = &store.ExecutionLease{}
	}
	if to.IsTerminal() && update.CompletedAt == nil {
		now := f.now()
		update.CompletedAt = &now
	}
	if err := Save(ctx, f.writer, exec, update); err != nil {
		return err
	}

	if to == schema.ExecutionStatusCompleted {
		ev := &store.Event{ExecutionID: exec.ID, Type: schema.EventJourneyCompleted, NodeID: exec.CurrentNodeID}
		if err := f.writer.AppendEvent(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	f.mu.Lock()
	hooks := append([]TransitionHook(nil), f.after[hookKey{from, to}]...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, exec, from, to)
	}
	return nil
}

// Save writes update as a compare-and-set against exec.Version and mirrors
// the change onto exec.
func Save(ctx context.Context, w ExecutionWriter, exec *store.Execution, update store.ExecutionUpdate) error {
	version := exec.Version
	update.ExpectVersion = &version
	if err := w.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	applyUpdate(exec, update)
	return nil
}

func applyUpdate(exec *store.Execution, u store.ExecutionUpdate) {
	if u.Status != nil {
		exec.Status = *u.Status
	}
	if u.CurrentNodeID != nil {
		exec.CurrentNodeID = *u.CurrentNodeID
	}
	if u.Variables != nil {
		exec.Variables = *u.Variables
	}
	if u.LastReply != nil {
		lr := *u.LastReply
		exec.LastReply = &lr
	}
	if u.Error != nil {
		exec.Error = *u.Error
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		exec.CompletedAt = &t
	}
	if u.Lease != nil {
		exec.LeaseOwner = u.Lease.Owner
		exec.LeaseExpiresAt = nil
		if u.Lease.Owner != "" {
			t := u.Lease.ExpiresAt
			exec.LeaseExpiresAt = &t
		}
	}
	exec.Version++
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidExecutionTransitions defines the allowed execution status transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusActive: {
		schema.ExecutionStatusWaiting, schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed, schema.ExecutionStatusTimedOut,
	},
	schema.ExecutionStatusWaiting: {
		schema.ExecutionStatusActive, schema.ExecutionStatusTimedOut, schema.ExecutionStatusFailed,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusTimedOut:  {},
}
