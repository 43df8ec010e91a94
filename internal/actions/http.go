package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/wajourney/pkg/schema"
)

// HTTPConfig configures the HTTP caller used by http_request nodes.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	UserAgent       string
}

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultHTTPTimeout     = 15 * time.Second
	defaultUserAgent       = "wajourney/1.0"
)

// HTTPRequest is a fully interpolated outbound request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// HTTPResponse is the decoded result of an HTTPRequest.
type HTTPResponse struct {
	StatusCode  int               `json:"status_code"`
	Status      string            `json:"status"`
	Headers     map[string]string `json:"headers"`
	Body        any               `json:"body"`
	ContentType string            `json:"content_type"`
	DurationMs  int64             `json:"duration_ms"`
}

// AsMap returns the response in the shape stored under response_variable.
func (r *HTTPResponse) AsMap() map[string]any {
	return map[string]any{
		"status_code":  r.StatusCode,
		"status":       r.Status,
		"headers":      r.Headers,
		"body":         r.Body,
		"content_type": r.ContentType,
		"duration_ms":  r.DurationMs,
	}
}

// HTTPCaller performs http_request node calls.
type HTTPCaller interface {
	Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// HTTPClient implements HTTPCaller on net/http.
type HTTPClient struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPClient creates a caller with cfg, filling unset limits with defaults.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPClient{
		config: cfg,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
	}
}

// Validate checks the method and URL before any network I/O.
func (c *HTTPClient) Validate(req *HTTPRequest) error {
	if req.URL == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "http_request: missing url")
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "http_request: invalid url %q", req.URL)
	}
	switch strings.ToUpper(req.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "http_request: unsupported method %q", req.Method)
	}
	return nil
}

// Do executes req. Transport failures and non-2xx responses return an
// HTTP_ERROR; a non-2xx error still carries the decoded response in Details.
func (c *HTTPClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	contentType := ""
	if req.Body != "" && method != http.MethodGet && method != http.MethodHead {
		bodyReader = strings.NewReader(req.Body)
		if json.Valid([]byte(req.Body)) {
			contentType = "application/json"
		} else {
			contentType = "text/plain"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.DefaultTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeHTTP, "http_request: failed to create request").WithCause(err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHTTP, "http_request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeHTTP, "http_request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		var jsonBody any
		if strings.Contains(respContentType, "json") || json.Valid(bodyBytes) {
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			}
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := &HTTPResponse{
		StatusCode:  resp.StatusCode,
		Status:      resp.Status,
		Headers:     respHeaders,
		Body:        parsedBody,
		ContentType: respContentType,
		DurationMs:  durationMs,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, schema.NewErrorf(schema.ErrCodeHTTP, "http_request: server returned %d", resp.StatusCode).
			WithDetails(out.AsMap())
	}
	return out, nil
}

var _ HTTPCaller = (*HTTPClient)(nil)
