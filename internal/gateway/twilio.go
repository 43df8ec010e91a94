package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/rendis/wajourney/pkg/schema"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	defaultTwilioTimeout = 10 * time.Second
)

// TwilioConfig configures the Twilio Messages API client.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// BaseURL replaces the scheme and host of every API call. Empty means
	// api.twilio.com.
	BaseURL string
	// RatePerSecond caps outbound requests; zero disables the limiter.
	RatePerSecond float64
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Twilio sends WhatsApp messages through the Twilio Messages API.
type Twilio struct {
	api     *openapi.ApiService
	limiter *rate.Limiter
}

// NewTwilio validates cfg and builds a client.
func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTwilioTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BaseURL != "" && strings.TrimRight(cfg.BaseURL, "/") != defaultTwilioBaseURL {
		target, err := url.Parse(cfg.BaseURL)
		if err != nil || target.Host == "" {
			return nil, errors.Newf("twilio: invalid base url %q", cfg.BaseURL)
		}
		rewritten := *httpClient
		rewritten.Transport = &hostRewriter{target: target, next: transportOf(httpClient)}
		httpClient = &rewritten
	}

	c := &client.Client{
		Credentials: client.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	c.SetAccountSid(cfg.AccountSID)
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Client: c})

	t := &Twilio{api: rest.Api}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return t, nil
}

func (t *Twilio) SendTemplate(ctx context.Context, to, from, templateRef string, vars map[string]string) (*SendResult, error) {
	if templateRef == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "twilio: template reference is empty")
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(WhatsAppAddress(from))
	params.SetContentSid(templateRef)
	if len(vars) > 0 {
		encoded, err := json.Marshal(vars)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeGateway, "twilio: encode content variables").WithCause(err)
		}
		params.SetContentVariables(string(encoded))
	}
	return t.send(ctx, params)
}

func (t *Twilio) SendMessage(ctx context.Context, to, from, body string) (*SendResult, error) {
	params := &openapi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(WhatsAppAddress(from))
	params.SetBody(body)
	return t.send(ctx, params)
}

// send waits for a limiter token, then posts the message. The SDK call takes
// no context, so cancellation is honoured up to the request and the HTTP
// client timeout bounds the rest.
func (t *Twilio) send(ctx context.Context, params *openapi.CreateMessageParams) (*SendResult, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, schema.NewError(schema.ErrCodeGateway, "twilio: rate limiter").WithCause(errors.Wrap(err, "wait"))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeGateway, "twilio: send cancelled").WithCause(err)
	}

	msg, err := t.api.CreateMessage(params)
	if err != nil {
		return nil, classifyTwilioError(err)
	}
	if msg == nil || msg.Sid == nil || *msg.Sid == "" {
		return nil, schema.NewError(schema.ErrCodeGateway, "twilio: response has no message sid")
	}
	status := ""
	if msg.Status != nil {
		status = *msg.Status
	}
	return &SendResult{ProviderMessageID: *msg.Sid, Status: mapTwilioStatus(status)}, nil
}

// classifyTwilioError maps an SDK failure to a FlowError. Throttling, server
// errors and transport failures are retryable; other API errors are permanent.
func classifyTwilioError(err error) *schema.FlowError {
	var apiErr *client.TwilioRestError
	if !errors.As(err, &apiErr) {
		return schema.NewError(schema.ErrCodeGateway, "twilio: request failed").
			WithCause(errors.Wrap(err, "create message"))
	}

	code := schema.ErrCodeGatewayRejected
	if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500 {
		code = schema.ErrCodeGateway
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.Status)
	}
	return schema.NewErrorf(code, "twilio: %s", msg).
		WithCause(errors.Newf("twilio status %d code %d: %s", apiErr.Status, apiErr.Code, apiErr.Message)).
		WithDetails(map[string]any{
			"http_status": apiErr.Status,
			"twilio_code": apiErr.Code,
			"more_info":   apiErr.MoreInfo,
		})
}

func mapTwilioStatus(s string) schema.MessageStatus {
	switch s {
	case "delivered":
		return schema.MessageStatusDelivered
	case "read":
		return schema.MessageStatusRead
	case "failed", "undelivered":
		return schema.MessageStatusFailed
	default:
		return schema.MessageStatusSent
	}
}

// hostRewriter sends SDK requests to a different API host, such as a
// regional proxy or a local stub.
type hostRewriter struct {
	target *url.URL
	next   http.RoundTripper
}

func (h *hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = h.target.Scheme
	out.URL.Host = h.target.Host
	out.Host = h.target.Host
	if prefix := strings.TrimRight(h.target.Path, "/"); prefix != "" {
		out.URL.Path = prefix + out.URL.Path
	}
	return h.next.RoundTrip(out)
}

func transportOf(c *http.Client) http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}

var _ Gateway = (*Twilio)(nil)
