package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *store.MemoryStore
	enqueuer *Enqueuer
	worker   *Worker
	clock    time.Time
}

func newFixture(t *testing.T, handlers Handlers, maxAttempts int) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		clock: time.Now().UTC().Add(time.Minute),
	}
	f.enqueuer = NewEnqueuer(f.store, nil, EnqueuerConfig{MaxAttempts: maxAttempts})
	f.worker = NewWorker(f.store, handlers, nil, WorkerConfig{WorkerID: "test-worker", BatchSize: 4}, discardLogger())
	f.worker.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) enqueue(t *testing.T, jobType schema.JobType, payload any) string {
	t.Helper()
	id, err := f.enqueuer.Enqueue(context.Background(), jobType, payload, time.Time{}, jobType.DefaultPriority())
	require.NoError(t, err)
	return id
}

func (f *fixture) runOnce(t *testing.T) int {
	t.Helper()
	n, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) job(t *testing.T, id string) *store.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestWorker_CompletesJob(t *testing.T) {
	var got schema.AdvancePayload
	f := newFixture(t, Handlers{
		schema.JobAdvanceExecution: Typed(func(ctx context.Context, p schema.AdvancePayload) error {
			got = p
			return nil
		}),
	}, 0)

	id := f.enqueue(t, schema.JobAdvanceExecution, schema.AdvancePayload{ExecutionID: "exec-1", Trigger: schema.TriggerStart})
	assert.Equal(t, 1, f.runOnce(t))

	assert.Equal(t, "exec-1", got.ExecutionID)
	j := f.job(t, id)
	assert.Equal(t, schema.JobStatusCompleted, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Empty(t, j.LockedBy)
	assert.Equal(t, int64(1), f.worker.Metrics().Completed)
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t, Handlers{
		schema.JobHandleTimeout: func(context.Context, json.RawMessage) error {
			return errors.New("database is locked")
		},
	}, 0)
	id := f.enqueue(t, schema.JobHandleTimeout, schema.TimeoutPayload{ExecutionID: "e", NodeID: "n"})

	require.Equal(t, 1, f.runOnce(t))
	j := f.job(t, id)
	assert.Equal(t, schema.JobStatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "database is locked", j.Error)
	assert.True(t, j.RunAt.Equal(f.clock.Add(time.Second)))

	// Not due yet.
	assert.Equal(t, 0, f.runOnce(t))

	f.clock = f.clock.Add(time.Second)
	require.Equal(t, 1, f.runOnce(t))
	j = f.job(t, id)
	assert.Equal(t, 2, j.Attempts)
	assert.True(t, j.RunAt.Equal(f.clock.Add(2*time.Second)))
	assert.Equal(t, int64(2), f.worker.Metrics().Retried)
}

func TestWorker_FailsAfterMaxAttempts(t *testing.T) {
	calls := 0
	f := newFixture(t, Handlers{
		schema.JobLaunchCampaign: func(context.Context, json.RawMessage) error {
			calls++
			return schema.NewError(schema.ErrCodeStore, "unavailable")
		},
	}, 3)
	id := f.enqueue(t, schema.JobLaunchCampaign, schema.LaunchPayload{CampaignID: "c"})

	for range 5 {
		f.runOnce(t)
		f.clock = f.clock.Add(time.Minute)
	}

	j := f.job(t, id)
	assert.Equal(t, 3, calls)
	assert.Equal(t, schema.JobStatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	assert.Contains(t, j.Error, "unavailable")
	assert.Equal(t, int64(1), f.worker.Metrics().Failed)
}

func TestWorker_NonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, Handlers{
		schema.JobAdvanceExecution: func(context.Context, json.RawMessage) error {
			return schema.NewError(schema.ErrCodeNotFound, "execution gone")
		},
	}, 0)
	id := f.enqueue(t, schema.JobAdvanceExecution, schema.AdvancePayload{ExecutionID: "x"})

	f.runOnce(t)
	j := f.job(t, id)
	assert.Equal(t, schema.JobStatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestWorker_UndecodablePayloadFails(t *testing.T) {
	f := newFixture(t, Handlers{
		schema.JobAdvanceExecution: Typed(func(context.Context, schema.AdvancePayload) error { return nil }),
	}, 0)
	id := f.enqueue(t, schema.JobAdvanceExecution, json.RawMessage(`"not an object"`))

	f.runOnce(t)
	j := f.job(t, id)
	assert.Equal(t, schema.JobStatusFailed, j.Status)
	assert.Contains(t, j.Error, "decode payload")
}

func TestWorker_UnknownJobType(t *testing.T) {
	f := newFixture(t, Handlers{}, 0)
	id := f.enqueue(t, schema.JobType("send_fax"), nil)

	f.runOnce(t)
	j := f.job(t, id)
	assert.Equal(t, schema.JobStatusFailed, j.Status)
	assert.Contains(t, j.Error, "no handler")
}

func TestWorker_PanicIsRetried(t *testing.T) {
	f := newFixture(t, Handlers{
		schema.JobProcessInbound: func(context.Context, json.RawMessage) error {
			panic("nil map")
		},
	}, 0)
	id := f.enqueue(t, schema.JobProcessInbound, schema.InboundPayload{From: "whatsapp:+1"})

	f.runOnce(t)
	j := f.job(t, id)
	assert.Equal(t, schema.JobStatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Contains(t, j.Error, "panicked")

	m := f.worker.Metrics()
	assert.Equal(t, int64(1), m.Pool.Panics)
	assert.Equal(t, int64(1), m.Retried)
}

func TestWorker_ReleasesStaleLocks(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	f := newFixture(t, Handlers{
		schema.JobAdvanceExecution: func(context.Context, json.RawMessage) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		},
	}, 0)
	ctx := context.Background()

	id, err := f.enqueuer.Enqueue(ctx, schema.JobAdvanceExecution, schema.AdvancePayload{ExecutionID: "e"}, f.clock.Add(-time.Hour), 5)
	require.NoError(t, err)

	// A crashed worker claimed it ten minutes ago.
	claimed, err := f.store.ClaimJobs(ctx, "dead-worker", 1, f.clock.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	assert.Equal(t, 1, f.runOnce(t))
	assert.Equal(t, 1, ran)
	assert.Equal(t, schema.JobStatusCompleted, f.job(t, id).Status)
	assert.Equal(t, int64(1), f.worker.Metrics().Released)
}

func TestWorker_ClaimsByPriority(t *testing.T) {
	var order []schema.JobType
	record := func(jt schema.JobType) Handler {
		return func(context.Context, json.RawMessage) error {
			order = append(order, jt)
			return nil
		}
	}
	f := newFixture(t, Handlers{
		schema.JobLaunchCampaign: record(schema.JobLaunchCampaign),
		schema.JobProcessInbound: record(schema.JobProcessInbound),
	}, 0)
	f.worker.cfg.BatchSize = 1

	f.enqueue(t, schema.JobLaunchCampaign, schema.LaunchPayload{CampaignID: "c"})
	f.enqueue(t, schema.JobProcessInbound, schema.InboundPayload{From: "whatsapp:+1"})

	f.runOnce(t)
	f.runOnce(t)
	assert.Equal(t, []schema.JobType{schema.JobProcessInbound, schema.JobLaunchCampaign}, order)
}

func TestWorker_StartWakesOnNotify(t *testing.T) {
	s := store.NewMemoryStore()
	notifier := NewChanNotifier()
	handled := make(chan string, 1)

	w := NewWorker(s, Handlers{
		schema.JobAdvanceExecution: Typed(func(ctx context.Context, p schema.AdvancePayload) error {
			handled <- p.ExecutionID
			return nil
		}),
	}, notifier, WorkerConfig{PollInterval: time.Hour}, discardLogger())

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))

	_, err := NewEnqueuer(s, notifier, EnqueuerConfig{}).Enqueue(context.Background(),
		schema.JobAdvanceExecution, schema.AdvancePayload{ExecutionID: "woken"}, time.Time{}, 5)
	require.NoError(t, err)

	select {
	case id := <-handled:
		assert.Equal(t, "woken", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not woken by the notifier")
	}
}

func TestWorker_StopRequeuesInterruptedJob(t *testing.T) {
	s := store.NewMemoryStore()
	started := make(chan struct{})

	w := NewWorker(s, Handlers{
		schema.JobLaunchCampaign: func(ctx context.Context, _ json.RawMessage) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}, nil, WorkerConfig{PollInterval: 10 * time.Millisecond}, discardLogger())

	id, err := NewEnqueuer(s, nil, EnqueuerConfig{}).Enqueue(context.Background(),
		schema.JobLaunchCampaign, schema.LaunchPayload{CampaignID: "c"}, time.Time{}, 0)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	w.Stop()

	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusPending, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Empty(t, j.LockedBy)
}
