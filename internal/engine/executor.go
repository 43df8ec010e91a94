package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"

	"github.com/rendis/wajourney/internal/actions"
	"github.com/rendis/wajourney/internal/expressions"
	"github.com/rendis/wajourney/internal/gateway"
	"github.com/rendis/wajourney/internal/logging"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// Enqueuer schedules follow-up jobs. Satisfied by *queue.Enqueuer.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType schema.JobType, payload any, runAt time.Time, priority int) (string, error)
}

// NodeExecutor runs a single journey node. Satisfied by *Executor and test mocks.
type NodeExecutor interface {
	Execute(ctx context.Context, node *schema.Node, graph *schema.Graph, ectx map[string]any, exec *store.Execution, sender *store.Sender) (*NodeResult, error)
}

// NodeResult is the transition decision of one executed node. An empty
// NextNodeID with neither Suspend nor ScheduleAt ends the journey.
type NodeResult struct {
	NextNodeID   string
	NewVariables map[string]any
	Suspend      bool
	ScheduleAt   *time.Time
	// Events are extra timeline records such as condition_evaluated.
	Events []*store.Event
}

// DefaultHTTPNodeTimeout bounds a single http_request node call.
const DefaultHTTPNodeTimeout = 15 * time.Second

// maxFreeformRunes is the WhatsApp limit for one text message body.
const maxFreeformRunes = 4096

// ExecutorConfig holds configuration for the node executor.
type ExecutorConfig struct {
	HTTPTimeout    time.Duration
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
}

// Executor performs node side effects. It is the only component that talks
// to the messaging gateway and the HTTP caller.
type Executor struct {
	store     store.Store
	gateway   gateway.Gateway
	http      actions.HTTPCaller
	enqueuer  Enqueuer
	branches  *expressions.BranchEvaluator
	extractor *expressions.Extractor
	breakers  *CircuitBreakerRegistry
	cron      cron.Parser
	config    ExecutorConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor creates an Executor. branches may be nil, in which case only
// the builtin condition evaluator is available.
func NewExecutor(s store.Store, gw gateway.Gateway, caller actions.HTTPCaller, enq Enqueuer, branches *expressions.BranchEvaluator, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPNodeTimeout
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if branches == nil {
		branches = expressions.NewBranchEvaluator()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Executor{
		store:     s,
		gateway:   gw,
		http:      caller,
		enqueuer:  enq,
		branches:  branches,
		extractor: expressions.NewExtractor(),
		breakers:  NewCircuitBreakerRegistry(cbConfig),
		cron:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Breakers exposes the per-host circuit breakers for inspection.
func (e *Executor) Breakers() *CircuitBreakerRegistry {
	return e.breakers
}

// Execute dispatches node to the handler for its kind.
func (e *Executor) Execute(ctx context.Context, node *schema.Node, graph *schema.Graph, ectx map[string]any, exec *store.Execution, sender *store.Sender) (*NodeResult, error) {
	ctx = logging.WithNodeID(ctx, node.ID)

	var (
		res *NodeResult
		err error
	)
	switch cfg := node.Config.(type) {
	case *schema.StartConfig:
		res, err = singleTarget(graph, node.ID)
	case *schema.SendTemplateConfig:
		res, err = e.sendTemplate(ctx, node, graph, cfg, ectx, exec, sender)
	case *schema.SendMessageConfig:
		res, err = e.sendMessage(ctx, node, graph, cfg, ectx, exec, sender)
	case *schema.WaitForReplyConfig:
		res, err = e.waitForReply(ctx, node, cfg, exec)
	case *schema.ConditionConfig:
		res, err = e.condition(ctx, node, graph, cfg, ectx, exec)
	case *schema.HTTPRequestConfig:
		res = e.httpRequest(ctx, node, graph, cfg, ectx, exec)
	case *schema.SetVariablesConfig:
		res, err = e.setVariables(node, graph, cfg, ectx)
	case *schema.DelayConfig:
		res, err = e.delay(node, graph, cfg)
	default:
		// end and unrecognized kinds
		res = &NodeResult{}
	}
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.NodeID == "" {
			fe.WithNode(node.ID)
		}
		return nil, err
	}
	return res, nil
}

func singleTarget(graph *schema.Graph, nodeID string) (*NodeResult, error) {
	next, err := graph.SingleTarget(nodeID)
	if err != nil {
		return nil, err
	}
	return &NodeResult{NextNodeID: next}, nil
}

func contactPhone(ectx map[string]any) string {
	return expressions.Stringify(expressions.Lookup(ectx, "contact.phone"))
}

func requireSender(sender *store.Sender) error {
	if sender == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "execution has no sender identity")
	}
	return nil
}

func (e *Executor) sendTemplate(ctx context.Context, node *schema.Node, graph *schema.Graph, cfg *schema.SendTemplateConfig, ectx map[string]any, exec *store.Execution, sender *store.Sender) (*NodeResult, error) {
	ref := cfg.TemplateRef()
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "send_template node has no template reference")
	}
	if err := requireSender(sender); err != nil {
		return nil, err
	}
	next, err := graph.SingleTarget(node.ID)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string, len(cfg.Variables))
	for key, tmpl := range cfg.Variables {
		if v := expressions.Interpolate(tmpl, ectx); v != "" {
			vars[key] = v
		}
	}

	to := contactPhone(ectx)
	res, err := e.gateway.SendTemplate(ctx, to, sender.Address(), ref, vars)
	if err != nil {
		return nil, err
	}
	e.recordOutbound(ctx, exec, sender, res, "", ref)
	return &NodeResult{NextNodeID: next}, nil
}

func (e *Executor) sendMessage(ctx context.Context, node *schema.Node, graph *schema.Graph, cfg *schema.SendMessageConfig, ectx map[string]any, exec *store.Execution, sender *store.Sender) (*NodeResult, error) {
	body := expressions.Interpolate(cfg.Body, ectx)
	if strings.TrimSpace(body) == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "send_message body is empty")
	}
	if err := requireSender(sender); err != nil {
		return nil, err
	}
	next, err := graph.SingleTarget(node.ID)
	if err != nil {
		return nil, err
	}

	to := contactPhone(ectx)
	for _, part := range splitRunes(body, maxFreeformRunes) {
		res, err := e.gateway.SendMessage(ctx, to, sender.Address(), part)
		if err != nil {
			return nil, err
		}
		e.recordOutbound(ctx, exec, sender, res, part, "")
	}
	return &NodeResult{NextNodeID: next}, nil
}

// recordOutbound stores the sent message. The send already happened, so a
// store failure here is logged rather than retried into a duplicate send.
func (e *Executor) recordOutbound(ctx context.Context, exec *store.Execution, sender *store.Sender, res *gateway.SendResult, body, templateRef string) {
	msg := &store.Message{
		ExecutionID:       exec.ID,
		ContactID:         exec.ContactID,
		SenderID:          sender.ID,
		Direction:         schema.DirectionOutbound,
		ProviderMessageID: res.ProviderMessageID,
		Body:              body,
		TemplateRef:       templateRef,
		Status:            schema.MessageStatusSent,
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		e.logger.ErrorContext(ctx, "record outbound message",
			slog.String("provider_message_id", res.ProviderMessageID),
			slog.String("error", err.Error()))
	}
}

func splitRunes(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var parts []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := min(limit, len(runes))
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}

func (e *Executor) waitForReply(ctx context.Context, node *schema.Node, cfg *schema.WaitForReplyConfig, exec *store.Execution) (*NodeResult, error) {
	if cfg.TimeoutMinutes > 0 {
		runAt := e.now().Add(time.Duration(cfg.TimeoutMinutes) * time.Minute)
		payload := schema.TimeoutPayload{ExecutionID: exec.ID, NodeID: node.ID}
		if _, err := e.enqueuer.Enqueue(ctx, schema.JobHandleTimeout, payload, runAt, schema.JobHandleTimeout.DefaultPriority()); err != nil {
			return nil, storeErr("enqueue timeout", err)
		}
	}
	return &NodeResult{Suspend: true}, nil
}

func (e *Executor) condition(ctx context.Context, node *schema.Node, graph *schema.Graph, cfg *schema.ConditionConfig, ectx map[string]any, exec *store.Execution) (*NodeResult, error) {
	for i, branch := range cfg.Branches {
		ok, err := e.branches.Evaluate(ctx, branch, ectx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		target := branch.TargetNodeID
		if target == "" && branch.ID != "" {
			target = graph.EdgeForHandle(node.ID, branch.ID)
		}
		return &NodeResult{
			NextNodeID: target,
			Events: []*store.Event{
				newEvent(exec.ID, schema.EventConditionEvaluated, node.ID, map[string]any{
					"branch_id":    branchLabel(branch, i),
					"expression":   branch.Expression,
					"result":       true,
					"next_node_id": target,
				}),
			},
		}, nil
	}

	// An empty default is "no default": the journey ends here.
	return &NodeResult{
		NextNodeID: cfg.DefaultNodeID,
		Events: []*store.Event{
			newEvent(exec.ID, schema.EventConditionEvaluated, node.ID, map[string]any{
				"branch_id":    "default",
				"result":       false,
				"next_node_id": cfg.DefaultNodeID,
			}),
		},
	}, nil
}

func branchLabel(b schema.ConditionBranch, i int) string {
	if b.ID != "" {
		return b.ID
	}
	return "branch_" + strconv.Itoa(i)
}

// httpRequest never returns an error: failures are routed to the error
// path or end the journey.
func (e *Executor) httpRequest(ctx context.Context, node *schema.Node, graph *schema.Graph, cfg *schema.HTTPRequestConfig, ectx map[string]any, exec *store.Execution) *NodeResult {
	rawURL := strings.TrimSpace(expressions.Interpolate(cfg.URL, ectx))
	if rawURL == "" {
		return &NodeResult{NextNodeID: graph.FirstDefaultEdge(node.ID)}
	}

	req := &actions.HTTPRequest{
		Method:  strings.ToUpper(cfg.Method),
		URL:     rawURL,
		Headers: make(map[string]string, len(cfg.Headers)),
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	for k, v := range cfg.Headers {
		req.Headers[k] = expressions.Interpolate(v, ectx)
	}
	if cfg.Body != "" {
		body := expressions.Interpolate(cfg.Body, ectx)
		if !json.Valid([]byte(body)) {
			return e.httpFailure(node, graph, cfg, exec, req,
				schema.NewError(schema.ErrCodeHTTP, "http_request body is not valid JSON after interpolation"))
		}
		req.Body = body
	}

	host := hostOf(rawURL)
	if err := e.breakers.AllowRequest(host); err != nil {
		return e.httpFailure(node, graph, cfg, exec, req, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.HTTPTimeout)
	defer cancel()
	resp, err := e.http.Do(callCtx, req)
	if err != nil {
		e.breakers.RecordFailure(host)
		return e.httpFailure(node, graph, cfg, exec, req, err)
	}
	e.breakers.RecordSuccess(host)

	vars := make(map[string]any)
	if cfg.ResponseVariable != "" {
		vars[cfg.ResponseVariable] = map[string]any{
			"status":  resp.StatusCode,
			"headers": resp.Headers,
			"body":    resp.Body,
		}
	}
	for name, path := range cfg.Extract {
		v, err := e.extractor.Extract(ctx, resp.Body, path)
		if err != nil {
			e.logger.WarnContext(ctx, "http_request extract failed",
				slog.String("variable", name), slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		vars[name] = v
	}

	res := &NodeResult{
		NextNodeID: graph.FirstDefaultEdge(node.ID),
		Events: []*store.Event{
			newEvent(exec.ID, schema.EventHTTPCalled, node.ID, map[string]any{
				"method":      req.Method,
				"url":         req.URL,
				"status_code": resp.StatusCode,
				"duration_ms": resp.DurationMs,
			}),
		},
	}
	if len(vars) > 0 {
		res.NewVariables = vars
	}
	return res
}

func (e *Executor) httpFailure(node *schema.Node, graph *schema.Graph, cfg *schema.HTTPRequestConfig, exec *store.Execution, req *actions.HTTPRequest, err error) *NodeResult {
	next := graph.EdgeForHandle(node.ID, schema.HandleError)
	if next == "" {
		next = cfg.ErrorNodeID
	}
	data := map[string]any{
		"message":      err.Error(),
		"method":       req.Method,
		"url":          req.URL,
		"next_node_id": next,
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		data["code"] = fe.Code
		if sc, ok := fe.Details["status_code"]; ok {
			data["status_code"] = sc
		}
	}
	return &NodeResult{
		NextNodeID: next,
		Events:     []*store.Event{newEvent(exec.ID, schema.EventError, node.ID, data)},
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func (e *Executor) setVariables(node *schema.Node, graph *schema.Graph, cfg *schema.SetVariablesConfig, ectx map[string]any) (*NodeResult, error) {
	next, err := graph.SingleTarget(node.ID)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any)
	for _, a := range cfg.Entries() {
		if a.Key == "" {
			continue
		}
		vars[a.Key] = expressions.Interpolate(a.Value, ectx)
	}
	return &NodeResult{NextNodeID: next, NewVariables: vars}, nil
}

func (e *Executor) delay(node *schema.Node, graph *schema.Graph, cfg *schema.DelayConfig) (*NodeResult, error) {
	next, err := graph.SingleTarget(node.ID)
	if err != nil {
		return nil, err
	}
	at, err := e.resumeTime(cfg)
	if err != nil {
		return nil, err
	}
	return &NodeResult{NextNodeID: next, ScheduleAt: &at}, nil
}

func (e *Executor) resumeTime(cfg *schema.DelayConfig) (time.Time, error) {
	now := e.now()
	if cfg.Cron != "" {
		sched, err := e.cron.Parse(cfg.Cron)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid delay cron %q", cfg.Cron).WithCause(err)
		}
		return sched.Next(now).UTC(), nil
	}
	var unit time.Duration
	switch strings.ToLower(cfg.Unit) {
	case "", "minute", "minutes":
		unit = time.Minute
	case "hour", "hours":
		unit = time.Hour
	case "day", "days":
		unit = 24 * time.Hour
	default:
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid delay unit %q", cfg.Unit)
	}
	if cfg.Amount < 0 {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "negative delay amount %d", cfg.Amount)
	}
	return now.Add(time.Duration(cfg.Amount) * unit), nil
}

var _ NodeExecutor = (*Executor)(nil)
