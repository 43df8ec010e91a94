package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

func newTestRouter(h *harness) *Router {
	return NewRouter(h.store, h.graphs, h.runner, discardLogger())
}

func inboundFrom(phone, body string) schema.InboundPayload {
	return schema.InboundPayload{
		From:       "whatsapp:" + phone,
		To:         "whatsapp:" + testSenderPhone,
		Body:       body,
		MessageSID: "SM" + body,
		ReceivedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRouter_ReplyAdvancesWaitingExecution(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, waitGraphWithTimeout(0), nil)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)

	require.NoError(t, newTestRouter(h).ProcessInbound(context.Background(), inboundFrom(testContactPhone, "yes")))

	done := h.reload(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, done.Status)
	require.NotNil(t, done.LastReply)
	assert.Equal(t, "yes", done.LastReply.Body)
	assert.Equal(t, "SMyes", done.LastReply.MessageID)

	sent := h.gateway.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Thanks, you said yes", sent[1].Body)

	msgs, err := h.store.ListMessages(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.DirectionInbound, msgs[1].Direction)
	assert.Equal(t, schema.MessageStatusReceived, msgs[1].Status)

	received := eventsOfType(h.events(t, exec.ID), schema.EventReplyReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "wait", received[0].NodeID)
}

func TestRouter_ReplyDuringDelayIsRecordedOnly(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayGraph, nil)
	require.Equal(t, "followup", exec.CurrentNodeID)

	require.NoError(t, newTestRouter(h).ProcessInbound(context.Background(), inboundFrom(testContactPhone, "hello?")))

	after := h.reload(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusWaiting, after.Status)
	assert.Equal(t, "followup", after.CurrentNodeID)
	require.NotNil(t, after.Variables.LastReply)
	assert.Equal(t, "hello?", after.Variables.LastReply.Body)
	assert.Empty(t, h.gateway.Sent())
}

func TestRouter_ReplyEndsJourneyWithoutDefaultEdge(t *testing.T) {
	h := newHarness(t)
	graph := `{
	  "nodes": [
	    {"id": "start", "type": "start"},
	    {"id": "wait", "type": "wait_for_reply"}
	  ],
	  "edges": [{"id": "e1", "source": "start", "target": "wait"}]
	}`
	exec := h.start(t, graph, nil)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)

	require.NoError(t, newTestRouter(h).ProcessInbound(context.Background(), inboundFrom(testContactPhone, "ok")))
	assert.Equal(t, schema.ExecutionStatusCompleted, h.reload(t, exec.ID).Status)
}

const chainedWaitGraph = `{
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "first", "type": "wait_for_reply"},
    {"id": "second", "type": "wait_for_reply"},
    {"id": "bye", "type": "send_message", "data": {"body": "{{last_reply.body}}!"}},
    {"id": "end", "type": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "start", "target": "first"},
    {"id": "e2", "source": "first", "target": "second"},
    {"id": "e3", "source": "second", "target": "bye"},
    {"id": "e4", "source": "bye", "target": "end"}
  ]
}`

func TestRouter_ChainedWaitNodes(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, chainedWaitGraph, nil)
	router := newTestRouter(h)
	ctx := context.Background()

	require.NoError(t, router.ProcessInbound(ctx, inboundFrom(testContactPhone, "one")))
	mid := h.reload(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusWaiting, mid.Status)
	assert.Equal(t, "second", mid.CurrentNodeID)

	require.NoError(t, router.ProcessInbound(ctx, inboundFrom(testContactPhone, "two")))
	assert.Equal(t, schema.ExecutionStatusCompleted, h.reload(t, exec.ID).Status)
	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "two!", sent[0].Body)
}

func TestRouter_KeywordTriggerStartsJourney(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := &store.Journey{
		ID:       "j-trigger",
		Status:   schema.JourneyStatusPublished,
		Graph:    []byte(linearGraph),
		SenderID: h.sender.ID,
		Trigger:  store.JourneyTrigger{Type: store.TriggerKeyword, Keywords: []string{"Promo"}},
	}
	require.NoError(t, h.store.CreateJourney(ctx, j))

	newPhone := "+5491155550000"
	require.NoError(t, newTestRouter(h).ProcessInbound(ctx, inboundFrom(newPhone, "quiero la PROMO")))

	contact, err := h.store.FindContactByPhone(ctx, newPhone)
	require.NoError(t, err)
	execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{ContactID: contact.ID})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, j.ID, execs[0].JourneyID)
	assert.Equal(t, h.sender.ID, execs[0].SenderID)
	assert.Equal(t, schema.ExecutionStatusCompleted, execs[0].Status)

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "whatsapp:"+newPhone, sent[0].To)

	received := eventsOfType(h.events(t, execs[0].ID), schema.EventReplyReceived)
	require.Len(t, received, 1)
	assert.Equal(t, store.TriggerKeyword, eventData(t, received[0])["trigger"])
}

func TestRouter_RedeliveredReplyIsIgnored(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, chainedWaitGraph, nil)
	router := newTestRouter(h)
	ctx := context.Background()

	p := inboundFrom(testContactPhone, "one")
	require.NoError(t, router.ProcessInbound(ctx, p))
	require.Equal(t, "second", h.reload(t, exec.ID).CurrentNodeID)

	p.ReceivedAt = p.ReceivedAt.Add(30 * time.Second)
	require.NoError(t, router.ProcessInbound(ctx, p))

	after := h.reload(t, exec.ID)
	assert.Equal(t, schema.ExecutionStatusWaiting, after.Status)
	assert.Equal(t, "second", after.CurrentNodeID)
	assert.Empty(t, h.gateway.Sent())

	msgs, err := h.store.ListMessages(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, eventsOfType(h.events(t, exec.ID), schema.EventReplyReceived), 1)
}

func TestRouter_RecordedButUnroutedMessageIsRouted(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, chainedWaitGraph, nil)
	ctx := context.Background()

	p := inboundFrom(testContactPhone, "one")
	require.NoError(t, h.store.CreateMessage(ctx, &store.Message{
		ContactID:         h.contact.ID,
		SenderID:          h.sender.ID,
		Direction:         schema.DirectionInbound,
		ProviderMessageID: p.MessageSID,
		Body:              p.Body,
		Status:            schema.MessageStatusReceived,
		CreatedAt:         p.ReceivedAt,
	}))

	require.NoError(t, newTestRouter(h).ProcessInbound(ctx, p))

	assert.Equal(t, "second", h.reload(t, exec.ID).CurrentNodeID)
	msgs, err := h.store.ListMessages(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, p.MessageSID, msgs[0].ProviderMessageID)
}

func TestRouter_RedeliveredTriggerStartsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateJourney(ctx, &store.Journey{
		ID:       "j-trigger",
		Status:   schema.JourneyStatusPublished,
		Graph:    []byte(linearGraph),
		SenderID: h.sender.ID,
		Trigger:  store.JourneyTrigger{Type: store.TriggerKeyword, Keywords: []string{"promo"}},
	}))
	router := newTestRouter(h)

	p := inboundFrom(testContactPhone, "promo")
	require.NoError(t, router.ProcessInbound(ctx, p))
	require.NoError(t, router.ProcessInbound(ctx, p))

	execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{ContactID: h.contact.ID})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecutionStatusCompleted, execs[0].Status)
	assert.Len(t, h.gateway.Sent(), 1)
}

func TestRouter_UnmatchedMessageOnlyRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, newTestRouter(h).ProcessInbound(ctx, inboundFrom(testContactPhone, "random")))

	execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{ContactID: h.contact.ID})
	require.NoError(t, err)
	assert.Empty(t, execs)
	msgs, err := h.store.ListMessages(ctx, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "random", msgs[0].Body)
	assert.Equal(t, h.sender.ID, msgs[0].SenderID)
}

func TestRouter_FormSubmissionIsFlattened(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec := h.start(t, waitGraphWithTimeout(0), nil)

	p := inboundFrom(testContactPhone, "form")
	p.InteractiveData = &schema.InteractiveData{
		Type:      "nfm_reply",
		FlowToken: "tok-1",
		ResponseJSON: map[string]any{
			"screen_0_email_0": "ana@example.com",
			"screen_1_plan_2":  "pro",
		},
	}
	require.NoError(t, newTestRouter(h).ProcessInbound(ctx, p))

	responses, err := h.store.ListFlowResponses(ctx, h.contact.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, exec.ID, responses[0].ExecutionID)
	assert.Equal(t, "tok-1", responses[0].FlowToken)
	assert.Equal(t, map[string]any{"email": "ana@example.com", "plan": "pro"}, responses[0].Data)
}

func TestRouter_RejectsMissingSender(t *testing.T) {
	h := newHarness(t)
	err := newTestRouter(h).ProcessInbound(context.Background(), schema.InboundPayload{From: "whatsapp:", Body: "hi"})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"whatsapp:+14155550100", "+14155550100"},
		{"+1 (415) 555-0100", "+14155550100"},
		{"14155550100", "+14155550100"},
		{"  whatsapp:+44.20.7946.0000 ", "+442079460000"},
		{"", ""},
		{"whatsapp:", ""},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizePhone(tc.in))
		})
	}
}

func TestFlattenForm(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "generated names are shortened",
			in:   map[string]any{"screen_0_first_name_0": "Ana", "screen_2_age_1": "31"},
			want: map[string]any{"first_name": "Ana", "age": "31"},
		},
		{
			name: "nested objects flatten one level",
			in:   map[string]any{"address": map[string]any{"city": "Lima", "zip": "15001"}},
			want: map[string]any{"address_city": "Lima", "address_zip": "15001"},
		},
		{
			name: "collisions keep full keys",
			in:   map[string]any{"screen_0_email_0": "a@x.com", "screen_1_email_0": "b@x.com", "plan": "pro"},
			want: map[string]any{"screen_0_email_0": "a@x.com", "screen_1_email_0": "b@x.com", "plan": "pro"},
		},
		{
			name: "empty",
			in:   map[string]any{},
			want: map[string]any{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FlattenForm(tc.in))
		})
	}
}
