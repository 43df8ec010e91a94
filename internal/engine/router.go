package engine

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/wajourney/internal/logging"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/internal/validation"
	"github.com/rendis/wajourney/pkg/schema"
)

// Advancer runs an execution forward. Satisfied by *Runner.
type Advancer interface {
	AdvanceOrDefer(ctx context.Context, executionID string, trigger schema.Trigger) error
}

// maxReplyAttempts bounds re-reads when a reply races another writer.
const maxReplyAttempts = 3

// Router resolves inbound messages to a waiting execution, or starts a
// user-initiated journey.
type Router struct {
	store    store.Store
	graphs   validation.GraphLoader
	advancer Advancer
	fsm      *ExecutionFSM
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter creates an inbound Router.
func NewRouter(s store.Store, graphs validation.GraphLoader, advancer Advancer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Router{
		store:    s,
		graphs:   graphs,
		advancer: advancer,
		fsm:      NewExecutionFSM(s),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// inbound is the resolved state of one ProcessInbound call.
type inbound struct {
	payload schema.InboundPayload
	sender  *store.Sender
	contact *store.Contact
	message *store.Message
	reply   store.LastReply
}

// ProcessInbound records an inbound message and routes it.
func (r *Router) ProcessInbound(ctx context.Context, p schema.InboundPayload) error {
	from := NormalizePhone(p.From)
	if from == "" {
		return schema.NewError(schema.ErrCodeValidation, "inbound message has no sender phone")
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = r.now()
	}
	in := &inbound{payload: p}

	sender, err := r.store.FindSenderByPhone(ctx, NormalizePhone(p.To))
	switch {
	case err == nil:
		in.sender = sender
	case isNotFound(err):
		r.logger.DebugContext(ctx, "inbound for unknown sender, searching all senders", slog.String("to", p.To))
	default:
		return err
	}

	if in.contact, err = r.resolveContact(ctx, from); err != nil {
		return err
	}
	in.reply = store.LastReply{
		Body:        p.Body,
		MessageID:   p.MessageSID,
		ReceivedAt:  p.ReceivedAt,
		Interactive: p.InteractiveData,
	}

	if p.MessageSID != "" {
		existing, err := r.store.FindInboundMessage(ctx, p.MessageSID)
		switch {
		case err == nil:
			return r.redelivered(ctx, in, existing)
		case !isNotFound(err):
			return err
		}
	}

	in.message = &store.Message{
		ContactID:         in.contact.ID,
		SenderID:          in.senderID(),
		Direction:         schema.DirectionInbound,
		ProviderMessageID: p.MessageSID,
		Body:              p.Body,
		MediaURLs:         p.MediaURLs,
		Status:            schema.MessageStatusReceived,
		CreatedAt:         p.ReceivedAt,
	}
	if err := r.store.CreateMessage(ctx, in.message); err != nil {
		if p.MessageSID != "" {
			if _, ferr := r.store.FindInboundMessage(ctx, p.MessageSID); ferr == nil {
				r.logger.InfoContext(ctx, "inbound message recorded by a concurrent delivery",
					slog.String("message_sid", p.MessageSID))
				return nil
			}
		}
		return err
	}

	if p.InteractiveData.IsFormSubmission() {
		if err := r.recordForm(ctx, in); err != nil {
			return err
		}
	}
	return r.route(ctx, in)
}

func (r *Router) route(ctx context.Context, in *inbound) error {
	waiting, err := r.store.FindWaitingExecution(ctx, in.contact.ID, in.senderID())
	if err != nil {
		return err
	}
	if waiting != nil {
		return r.deliverReply(ctx, in, waiting)
	}
	return r.startTriggered(ctx, in)
}

// redelivered handles a provider retry of a message already recorded as msg.
// A message linked to an execution that has seen it is dropped. A message the
// previous delivery recorded but never routed is routed now.
func (r *Router) redelivered(ctx context.Context, in *inbound, msg *store.Message) error {
	in.message = msg
	if msg.ExecutionID == "" {
		r.logger.InfoContext(ctx, "routing redelivered inbound message", slog.String("message_sid", msg.ProviderMessageID))
		return r.route(ctx, in)
	}

	exec, err := r.store.GetExecution(ctx, msg.ExecutionID)
	if err != nil {
		return err
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	if exec.Status != schema.ExecutionStatusWaiting || !replyPending(exec, msg) {
		r.logger.InfoContext(ctx, "duplicate inbound message ignored", slog.String("message_sid", msg.ProviderMessageID))
		return nil
	}
	return r.deliverReply(ctx, in, exec)
}

// replyPending reports whether msg was linked to exec but its reply never
// applied: exec holds no reply at least as recent as msg.
func replyPending(exec *store.Execution, msg *store.Message) bool {
	lr := exec.LastReply
	if lr == nil {
		return true
	}
	if lr.MessageID == msg.ProviderMessageID {
		return false
	}
	return lr.ReceivedAt.Before(msg.CreatedAt)
}

func (in *inbound) senderID() string {
	if in.sender == nil {
		return ""
	}
	return in.sender.ID
}

func (r *Router) resolveContact(ctx context.Context, phone string) (*store.Contact, error) {
	contact, err := r.store.FindContactByPhone(ctx, phone)
	if err == nil {
		return contact, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	contact = &store.Contact{Phone: phone, Status: schema.ContactStatusActive}
	if err := r.store.CreateContact(ctx, contact); err != nil {
		if isConflict(err) {
			return r.store.FindContactByPhone(ctx, phone)
		}
		return nil, err
	}
	r.logger.InfoContext(ctx, "contact created from inbound message", slog.String("contact_id", contact.ID))
	return contact, nil
}

func (r *Router) recordForm(ctx context.Context, in *inbound) error {
	open, err := r.store.FindOpenExecution(ctx, in.contact.ID)
	if err != nil {
		return err
	}
	resp := &store.FlowResponse{
		ContactID: in.contact.ID,
		MessageID: in.message.ID,
		FlowToken: in.payload.InteractiveData.FlowToken,
		Data:      FlattenForm(in.payload.InteractiveData.ResponseJSON),
		CreatedAt: in.payload.ReceivedAt,
	}
	if open != nil {
		resp.ExecutionID = open.ID
	}
	return r.store.CreateFlowResponse(ctx, resp)
}

// deliverReply hands the reply to the waiting execution. When the execution
// waits on a reply node it is moved past it and advanced; when it waits on a
// pending delay the reply is only recorded.
func (r *Router) deliverReply(ctx context.Context, in *inbound, exec *store.Execution) error {
	ctx = logging.WithExecutionID(ctx, exec.ID)
	if err := r.store.LinkMessage(ctx, in.message.ID, exec.ID); err != nil {
		return err
	}
	if err := appendEvent(ctx, r.store, exec.ID, schema.EventReplyReceived, exec.CurrentNodeID, map[string]any{
		"body":        in.reply.Body,
		"message_sid": in.reply.MessageID,
	}); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		advance, err := r.applyReply(ctx, in, exec)
		if err == nil {
			if !advance {
				return nil
			}
			return r.advancer.AdvanceOrDefer(ctx, exec.ID, schema.TriggerReply)
		}
		if !isConflict(err) || attempt >= maxReplyAttempts {
			return err
		}
		if exec, err = r.store.GetExecution(ctx, exec.ID); err != nil {
			return err
		}
		if exec.Status != schema.ExecutionStatusWaiting {
			r.logger.InfoContext(ctx, "execution left waiting before reply applied", slog.String("status", string(exec.Status)))
			return nil
		}
	}
}

// applyReply persists the reply and reports whether the execution should be
// advanced.
func (r *Router) applyReply(ctx context.Context, in *inbound, exec *store.Execution) (bool, error) {
	reply := in.reply
	vars := exec.Variables
	vars.LastReply = &reply
	update := store.ExecutionUpdate{LastReply: &reply, Variables: &vars}

	node, graph, err := r.currentNode(ctx, exec)
	if err != nil {
		return false, err
	}
	if node != nil && node.Type != schema.NodeWaitForReply {
		return false, Save(ctx, r.store, exec, update)
	}
	if node == nil {
		// The Runner records why the journey cannot continue.
		return true, r.fsm.Transition(ctx, exec, schema.ExecutionStatusActive, update)
	}

	next := graph.FirstDefaultEdge(node.ID)
	if next == "" {
		// Nothing follows the wait node: the reply ends the journey.
		if err := r.fsm.Transition(ctx, exec, schema.ExecutionStatusActive, update); err != nil {
			return false, err
		}
		return false, r.fsm.Transition(ctx, exec, schema.ExecutionStatusCompleted, store.ExecutionUpdate{})
	}
	update.CurrentNodeID = &next
	return true, r.fsm.Transition(ctx, exec, schema.ExecutionStatusActive, update)
}

// currentNode resolves the execution's current node. A journey that cannot
// be loaded yields a nil node so the Runner records the failure.
func (r *Router) currentNode(ctx context.Context, exec *store.Execution) (*schema.Node, *schema.Graph, error) {
	journey, err := r.store.GetJourney(ctx, exec.JourneyID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	graph, err := r.graphs.Load(journey.Graph)
	if err != nil {
		r.logger.WarnContext(ctx, "journey graph invalid", slog.String("error", err.Error()))
		return nil, nil, nil
	}
	return graph.Node(exec.CurrentNodeID), graph, nil
}

func (r *Router) startTriggered(ctx context.Context, in *inbound) error {
	journeys, err := r.store.ListTriggerJourneys(ctx)
	if err != nil {
		return err
	}
	for _, j := range journeys {
		if j.SenderID != "" && j.SenderID != in.senderID() {
			continue
		}
		if !j.Trigger.Matches(in.payload.Body) {
			continue
		}

		senderID := in.senderID()
		if senderID == "" {
			senderID = j.SenderID
		}
		reply := in.reply
		exec := &store.Execution{
			ID:        triggeredExecutionID(in.message.ID, j.ID),
			JourneyID: j.ID,
			ContactID: in.contact.ID,
			SenderID:  senderID,
			Status:    schema.ExecutionStatusActive,
			Variables: store.ExecutionVariables{
				Contact:   in.contact.Snapshot(),
				Variables: map[string]any{},
				LastReply: &reply,
			},
			LastReply: &reply,
			StartedAt: r.now(),
		}
		existing, err := r.store.GetExecution(ctx, exec.ID)
		switch {
		case err == nil:
			// A retried delivery already started this journey.
			ctx = logging.WithExecutionID(ctx, existing.ID)
			r.logger.InfoContext(ctx, "journey already started by this message", slog.String("journey_id", j.ID))
			return r.advancer.AdvanceOrDefer(ctx, existing.ID, schema.TriggerReply)
		case !isNotFound(err):
			return err
		}
		if err := r.store.CreateExecution(ctx, exec); err != nil {
			return err
		}
		ctx = logging.WithExecutionID(ctx, exec.ID)
		if err := r.store.LinkMessage(ctx, in.message.ID, exec.ID); err != nil {
			return err
		}
		if err := appendEvent(ctx, r.store, exec.ID, schema.EventReplyReceived, "", map[string]any{
			"body":        in.reply.Body,
			"message_sid": in.reply.MessageID,
			"trigger":     j.Trigger.Type,
		}); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "journey started by inbound message", slog.String("journey_id", j.ID))
		return r.advancer.AdvanceOrDefer(ctx, exec.ID, schema.TriggerReply)
	}
	r.logger.DebugContext(ctx, "inbound message matched no journey", slog.String("contact_id", in.contact.ID))
	return nil
}

// triggeredExecutionID derives the execution started by one inbound message,
// so a retried delivery cannot start the journey twice.
func triggeredExecutionID(messageID, journeyID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("inbound:"+messageID+":"+journeyID)).String()
}

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizePhone strips a channel prefix and separators and ensures a
// leading "+".
func NormalizePhone(raw string) string {
	p := strings.TrimSpace(raw)
	if i := strings.LastIndex(p, ":"); i >= 0 {
		p = p[i+1:]
	}
	p = phoneSeparators.Replace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "+") {
		p = "+" + p
	}
	return p
}

var (
	screenPrefix = regexp.MustCompile(`^screen_\d+_`)
	indexSuffix  = regexp.MustCompile(`_\d+$`)
)

// FlattenForm flattens a submitted form one level deep and shortens
// generated field names ("screen_0_email_1" becomes "email"). When two
// fields shorten to the same name both keep their full key.
func FlattenForm(data map[string]any) map[string]any {
	flat := make(map[string]any, len(data))
	for k, v := range data {
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				flat[k+"_"+nk] = nv
			}
			continue
		}
		flat[k] = v
	}

	short := make(map[string][]string, len(flat))
	for k := range flat {
		s := indexSuffix.ReplaceAllString(screenPrefix.ReplaceAllString(k, ""), "")
		if s == "" {
			s = k
		}
		short[s] = append(short[s], k)
	}

	out := make(map[string]any, len(flat))
	for s, keys := range short {
		if len(keys) == 1 {
			out[s] = flat[keys[0]]
			continue
		}
		for _, k := range keys {
			out[k] = flat[k]
		}
	}
	return out
}
