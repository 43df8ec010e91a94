// Package gateway sends outbound WhatsApp messages through a provider.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/wajourney/pkg/schema"
)

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	ProviderMessageID string
	Status            schema.MessageStatus
}

// Gateway delivers WhatsApp messages. Addresses are E.164 phone numbers,
// with or without the "whatsapp:" channel prefix.
type Gateway interface {
	// SendTemplate sends a pre-approved template. vars maps the template's
	// positional placeholders ("1", "2", ...) to already interpolated values.
	SendTemplate(ctx context.Context, to, from, templateRef string, vars map[string]string) (*SendResult, error)
	// SendMessage sends free-form text inside the customer service window.
	SendMessage(ctx context.Context, to, from, body string) (*SendResult, error)
}

// WhatsAppAddress prefixes a bare phone number with the whatsapp channel.
func WhatsAppAddress(phone string) string {
	if strings.Contains(phone, ":") {
		return phone
	}
	return "whatsapp:" + phone
}

// BarePhone strips a channel prefix from a provider address.
func BarePhone(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}

// SentMessage records one call made to a LogGateway.
type SentMessage struct {
	To          string
	From        string
	TemplateRef string
	Variables   map[string]string
	Body        string
	SID         string
}

// LogGateway logs messages instead of sending them. It is used when no
// provider credentials are configured, and keeps a copy of every message.
type LogGateway struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []SentMessage
}

// NewLogGateway returns a gateway that only logs.
func NewLogGateway(logger *slog.Logger) *LogGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) SendTemplate(ctx context.Context, to, from, templateRef string, vars map[string]string) (*SendResult, error) {
	msg := SentMessage{To: WhatsAppAddress(to), From: WhatsAppAddress(from), TemplateRef: templateRef, Variables: vars}
	return g.record(ctx, msg), nil
}

func (g *LogGateway) SendMessage(ctx context.Context, to, from, body string) (*SendResult, error) {
	msg := SentMessage{To: WhatsAppAddress(to), From: WhatsAppAddress(from), Body: body}
	return g.record(ctx, msg), nil
}

func (g *LogGateway) record(ctx context.Context, msg SentMessage) *SendResult {
	msg.SID = "LG" + strings.ReplaceAll(uuid.New().String(), "-", "")
	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "whatsapp message (not sent)",
		slog.String("to", msg.To),
		slog.String("from", msg.From),
		slog.String("template", msg.TemplateRef),
		slog.String("body", msg.Body),
		slog.String("sid", msg.SID),
	)
	return &SendResult{ProviderMessageID: msg.SID, Status: schema.MessageStatusSent}
}

// Sent returns a copy of every recorded message.
func (g *LogGateway) Sent() []SentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SentMessage(nil), g.sent...)
}

var _ Gateway = (*LogGateway)(nil)
