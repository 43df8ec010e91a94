package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

type recordingNotifier struct {
	mu    sync.Mutex
	types []schema.JobType
}

func (n *recordingNotifier) Notify(_ context.Context, jt schema.JobType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, jt)
}

func (n *recordingNotifier) Wake() <-chan struct{} { return nil }
func (n *recordingNotifier) Close() error          { return nil }

func TestEnqueuer_StoresPendingJob(t *testing.T) {
	s := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	e := NewEnqueuer(s, notifier, EnqueuerConfig{MaxAttempts: 7})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, schema.JobProcessInbound, schema.InboundPayload{From: "whatsapp:+15551234567", Body: "hi"}, time.Time{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.JobProcessInbound, j.Type)
	assert.Equal(t, schema.JobStatusPending, j.Status)
	assert.Equal(t, 10, j.Priority)
	assert.Equal(t, 7, j.MaxAttempts)
	assert.False(t, j.RunAt.IsZero())

	var p schema.InboundPayload
	require.NoError(t, json.Unmarshal(j.Payload, &p))
	assert.Equal(t, "hi", p.Body)

	assert.Equal(t, []schema.JobType{schema.JobProcessInbound}, notifier.types)
}

func TestEnqueuer_FutureJobDoesNotNotify(t *testing.T) {
	s := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	e := NewEnqueuer(s, notifier, EnqueuerConfig{})
	runAt := time.Now().Add(10 * time.Minute)

	id, err := e.Enqueue(context.Background(), schema.JobHandleTimeout, schema.TimeoutPayload{ExecutionID: "e", NodeID: "w"}, runAt, 5)
	require.NoError(t, err)

	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, j.RunAt.Equal(runAt.UTC()))
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Empty(t, notifier.types)
}

func TestEnqueuer_RawPayloadPassesThrough(t *testing.T) {
	s := store.NewMemoryStore()
	e := NewEnqueuer(s, nil, EnqueuerConfig{})
	raw := json.RawMessage(`{"campaign_id":"c1","batch_offset":100,"batch_size":100}`)

	id, err := e.Enqueue(context.Background(), schema.JobLaunchCampaign, raw, time.Time{}, 0)
	require.NoError(t, err)

	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(j.Payload))
}

func TestEnqueuer_UnmarshalablePayload(t *testing.T) {
	e := NewEnqueuer(store.NewMemoryStore(), nil, EnqueuerConfig{})
	_, err := e.Enqueue(context.Background(), schema.JobLaunchCampaign, map[string]any{"bad": make(chan int)}, time.Time{}, 0)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestChanNotifier_Coalesces(t *testing.T) {
	n := NewChanNotifier()
	ctx := context.Background()
	n.Notify(ctx, schema.JobAdvanceExecution)
	n.Notify(ctx, schema.JobAdvanceExecution)

	select {
	case <-n.Wake():
	default:
		t.Fatal("expected a pending wake-up")
	}
	select {
	case <-n.Wake():
		t.Fatal("notifications should coalesce")
	default:
	}
	assert.NoError(t, n.Close())
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	n.Notify(context.Background(), schema.JobLaunchCampaign)
	assert.Nil(t, n.Wake())
	assert.NoError(t, n.Close())
}
