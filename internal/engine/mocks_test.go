package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/internal/actions"
	"github.com/rendis/wajourney/internal/expressions"
	"github.com/rendis/wajourney/internal/gateway"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/internal/validation"
	"github.com/rendis/wajourney/pkg/schema"
)

// --- Mock implementations ---

type enqueuedJob struct {
	Type     schema.JobType
	Payload  json.RawMessage
	RunAt    time.Time
	Priority int
}

// mockEnqueuer records jobs instead of queueing them.
type mockEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
	err  error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, jobType schema.JobType, payload any, runAt time.Time, priority int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	m.jobs = append(m.jobs, enqueuedJob{Type: jobType, Payload: raw, RunAt: runAt, Priority: priority})
	return fmt.Sprintf("job-%d", len(m.jobs)), nil
}

func (m *mockEnqueuer) ofType(t schema.JobType) []enqueuedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []enqueuedJob
	for _, j := range m.jobs {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

func (m *mockEnqueuer) reset() {
	m.mu.Lock()
	m.jobs = nil
	m.mu.Unlock()
}

// mockHTTPCaller answers http_request nodes from a canned response or error.
type mockHTTPCaller struct {
	mu       sync.Mutex
	resp     *actions.HTTPResponse
	err      error
	requests []*actions.HTTPRequest
}

func (m *mockHTTPCaller) Do(_ context.Context, req *actions.HTTPRequest) (*actions.HTTPResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.resp == nil {
		return &actions.HTTPResponse{StatusCode: 200}, nil
	}
	return m.resp, nil
}

func (m *mockHTTPCaller) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// failingGateway rejects every send with err.
type failingGateway struct {
	err error
}

func (g *failingGateway) SendTemplate(context.Context, string, string, string, map[string]string) (*gateway.SendResult, error) {
	return nil, g.err
}

func (g *failingGateway) SendMessage(context.Context, string, string, string) (*gateway.SendResult, error) {
	return nil, g.err
}

// cancelGateway cancels the job context mid-send, as a worker shutdown does.
type cancelGateway struct {
	cancel context.CancelFunc
}

func (g *cancelGateway) SendTemplate(ctx context.Context, to, from, _ string, _ map[string]string) (*gateway.SendResult, error) {
	return g.SendMessage(ctx, to, from, "")
}

func (g *cancelGateway) SendMessage(ctx context.Context, _, _, _ string) (*gateway.SendResult, error) {
	g.cancel()
	return nil, ctx.Err()
}

// blockingGateway holds every send until release is closed.
type blockingGateway struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	sends   int
}

func newBlockingGateway() *blockingGateway {
	return &blockingGateway{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *blockingGateway) SendTemplate(ctx context.Context, to, from, _ string, _ map[string]string) (*gateway.SendResult, error) {
	return g.SendMessage(ctx, to, from, "")
}

func (g *blockingGateway) SendMessage(context.Context, string, string, string) (*gateway.SendResult, error) {
	g.mu.Lock()
	g.sends++
	n := g.sends
	g.mu.Unlock()
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return &gateway.SendResult{ProviderMessageID: fmt.Sprintf("SM%d", n), Status: schema.MessageStatusSent}, nil
}

func (g *blockingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends
}

// flakyStore fails selected writes while failAppend is set.
type flakyStore struct {
	*store.MemoryStore
	mu         sync.Mutex
	failAppend bool
}

func (f *flakyStore) setFailAppend(v bool) {
	f.mu.Lock()
	f.failAppend = v
	f.mu.Unlock()
}

func (f *flakyStore) AppendEvent(ctx context.Context, ev *store.Event) error {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	return f.MemoryStore.AppendEvent(ctx, ev)
}

// --- Harness ---

const (
	testSenderPhone  = "+14155550100"
	testContactPhone = "+15551234567"
)

type harness struct {
	store    store.Store
	mem      *store.MemoryStore
	gateway  *gateway.LogGateway
	http     *mockHTTPCaller
	enqueuer *mockEnqueuer
	graphs   *validation.JSONSchemaValidator
	executor *Executor
	runner   *Runner
	sender   *store.Sender
	contact  *store.Contact
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, s store.Store) *harness {
	t.Helper()
	graphs, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	branches, err := expressions.NewDefaultBranchEvaluator()
	require.NoError(t, err)

	h := &harness{
		store:    s,
		gateway:  gateway.NewLogGateway(discardLogger()),
		http:     &mockHTTPCaller{},
		enqueuer: &mockEnqueuer{},
		graphs:   graphs,
	}
	if mem, ok := s.(*store.MemoryStore); ok {
		h.mem = mem
	}
	h.executor = NewExecutor(s, h.gateway, h.http, h.enqueuer, branches, ExecutorConfig{}, discardLogger())
	h.runner = NewRunner(s, graphs, h.executor, h.enqueuer, RunnerConfig{}, discardLogger())

	ctx := context.Background()
	h.sender = &store.Sender{ID: "sender-1", Name: "Acme", Phone: testSenderPhone}
	require.NoError(t, s.CreateSender(ctx, h.sender))
	h.contact = &store.Contact{
		ID:         "contact-1",
		Phone:      testContactPhone,
		Name:       "Ana",
		Attributes: map[string]any{"city": "Lima"},
		Status:     schema.ContactStatusActive,
	}
	require.NoError(t, s.CreateContact(ctx, h.contact))
	return h
}

// publish stores a published journey with the given graph document.
func (h *harness) publish(t *testing.T, id, graph string) *store.Journey {
	t.Helper()
	j := &store.Journey{
		ID:       id,
		Name:     id,
		Status:   schema.JourneyStatusPublished,
		Graph:    json.RawMessage(graph),
		SenderID: h.sender.ID,
	}
	require.NoError(t, h.store.CreateJourney(context.Background(), j))
	return j
}

// newExecution creates an active execution of journeyID that has not run yet.
func (h *harness) newExecution(t *testing.T, journeyID string, vars map[string]any) *store.Execution {
	t.Helper()
	if vars == nil {
		vars = map[string]any{}
	}
	exec := &store.Execution{
		JourneyID: journeyID,
		ContactID: h.contact.ID,
		SenderID:  h.sender.ID,
		Status:    schema.ExecutionStatusActive,
		Variables: store.ExecutionVariables{
			Contact:   h.contact.Snapshot(),
			Variables: vars,
		},
	}
	require.NoError(t, h.store.CreateExecution(context.Background(), exec))
	return exec
}

// start publishes graph, creates an execution and runs its start advance.
func (h *harness) start(t *testing.T, graph string, vars map[string]any) *store.Execution {
	t.Helper()
	j := h.publish(t, "journey-"+t.Name(), graph)
	exec := h.newExecution(t, j.ID, vars)
	require.NoError(t, h.runner.Advance(context.Background(), exec.ID, schema.TriggerStart))
	return h.reload(t, exec.ID)
}

func (h *harness) reload(t *testing.T, id string) *store.Execution {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func (h *harness) events(t *testing.T, id string) []*store.Event {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	return events
}

func eventsOfType(events []*store.Event, eventType string) []*store.Event {
	var out []*store.Event
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func eventData(t *testing.T, ev *store.Event) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	return data
}
