package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

func newEvent(executionID, eventType, nodeID string, data map[string]any) *store.Event {
	ev := &store.Event{ExecutionID: executionID, Type: eventType, NodeID: nodeID}
	if len(data) > 0 {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

func appendEvent(ctx context.Context, s store.Store, executionID, eventType, nodeID string, data map[string]any) error {
	if err := s.AppendEvent(ctx, newEvent(executionID, eventType, nodeID, data)); err != nil {
		return storeErr("append "+eventType+" event", err)
	}
	return nil
}

// storeErr marks an infrastructure failure. The Runner returns these to the
// queue so the job is retried, instead of failing the execution.
func storeErr(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeStore {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func hasCode(err error, code string) bool {
	var fe *schema.FlowError
	return errors.As(err, &fe) && fe.Code == code
}

func isConflict(err error) bool {
	return hasCode(err, schema.ErrCodeConflict)
}

func isNotFound(err error) bool {
	return hasCode(err, schema.ErrCodeNotFound)
}

// isInfraError reports whether err came from the store or from the job
// being cancelled, rather than from the journey itself. A provider timeout
// is a journey failure: the message may already have been accepted.
func isInfraError(ctx context.Context, err error) bool {
	if hasCode(err, schema.ErrCodeStore) {
		return true
	}
	return ctx.Err() != nil
}
