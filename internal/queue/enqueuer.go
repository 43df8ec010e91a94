package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// EnqueuerConfig configures job creation.
type EnqueuerConfig struct {
	MaxAttempts int
}

// Enqueuer persists jobs and nudges the workers about due ones.
type Enqueuer struct {
	store    store.Store
	notifier Notifier
	cfg      EnqueuerConfig
	now      func() time.Time
}

// NewEnqueuer creates an Enqueuer. A nil notifier disables wake-ups.
func NewEnqueuer(s store.Store, notifier Notifier, cfg EnqueuerConfig) *Enqueuer {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Enqueuer{
		store:    s,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores a pending job and returns its ID. A zero runAt means now.
// payload is marshaled to JSON unless it already is a json.RawMessage.
func (e *Enqueuer) Enqueue(ctx context.Context, jobType schema.JobType, payload any, runAt time.Time, priority int) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "marshal %s payload: %s", jobType, err.Error()).WithCause(err)
	}

	now := e.now()
	if runAt.IsZero() {
		runAt = now
	}
	job := &store.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		Priority:    priority,
		Status:      schema.JobStatusPending,
		MaxAttempts: e.cfg.MaxAttempts,
		RunAt:       runAt.UTC(),
		CreatedAt:   now,
	}
	if err := e.store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}

	if !runAt.After(now) {
		e.notifier.Notify(ctx, jobType)
	}
	return job.ID, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
