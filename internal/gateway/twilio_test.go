package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/pkg/schema"
)

func newTestTwilio(t *testing.T, h http.HandlerFunc) *Twilio {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC123", AuthToken: "secret", BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return tw
}

func TestTwilio_SendTemplate(t *testing.T) {
	tw := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "whatsapp:+5215550001", r.PostForm.Get("To"))
		assert.Equal(t, "whatsapp:+14155550100", r.PostForm.Get("From"))
		assert.Equal(t, "HXabc", r.PostForm.Get("ContentSid"))

		var vars map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("ContentVariables")), &vars))
		assert.Equal(t, map[string]string{"1": "Ana"}, vars)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	})

	res, err := tw.SendTemplate(context.Background(), "+5215550001", "whatsapp:+14155550100", "HXabc", map[string]string{"1": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "SM1", res.ProviderMessageID)
	assert.Equal(t, schema.MessageStatusSent, res.Status)
}

func TestTwilio_SendMessage(t *testing.T) {
	tw := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "hello there", r.PostForm.Get("Body"))
		assert.Empty(t, r.PostForm.Get("ContentSid"))
		_, _ = w.Write([]byte(`{"sid":"SM2","status":"sent"}`))
	})
	res, err := tw.SendMessage(context.Background(), "+1", "+2", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "SM2", res.ProviderMessageID)
}

func TestTwilio_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		retryable bool
	}{
		{"invalid number", http.StatusBadRequest, schema.ErrCodeGatewayRejected, false},
		{"throttled", http.StatusTooManyRequests, schema.ErrCodeGateway, true},
		{"server error", http.StatusBadGateway, schema.ErrCodeGateway, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tw := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = fmt.Fprintf(w, `{"code":21211,"message":"Invalid 'To' Phone Number","status":%d}`, tc.status)
			})
			_, err := tw.SendMessage(context.Background(), "+1", "+2", "x")
			require.Error(t, err)
			var fe *schema.FlowError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tc.code, fe.Code)
			assert.Equal(t, tc.retryable, fe.IsRetryable())
			assert.Equal(t, tc.status, fe.Details["http_status"])
			assert.Equal(t, 21211, fe.Details["twilio_code"])
		})
	}
}

func TestTwilio_UndecodableErrorIsRetryable(t *testing.T) {
	tw := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})
	_, err := tw.SendMessage(context.Background(), "+1", "+2", "x")
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeGateway, fe.Code)
}

func TestTwilio_TimeoutIsGatewayError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC", AuthToken: "t", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = tw.SendMessage(context.Background(), "+1", "+2", "slow")
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeGateway, fe.Code)
}

func TestTwilio_EmptyTemplate(t *testing.T) {
	tw := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := tw.SendTemplate(context.Background(), "+1", "+2", "", nil)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConfiguration, fe.Code)
}

func TestTwilio_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"sid":"SM","status":"queued"}`))
	}))
	defer srv.Close()

	tw, err := NewTwilio(TwilioConfig{AccountSID: "AC", AuthToken: "t", BaseURL: srv.URL, RatePerSecond: 1})
	require.NoError(t, err)

	_, err = tw.SendMessage(context.Background(), "+1", "+2", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tw.SendMessage(ctx, "+1", "+2", "second")
	require.Error(t, err, "second send must wait for a token past the deadline")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewTwilio_RequiresCredentials(t *testing.T) {
	_, err := NewTwilio(TwilioConfig{AccountSID: "AC"})
	assert.Error(t, err)
}

func TestLogGateway(t *testing.T) {
	g := NewLogGateway(nil)
	res, err := g.SendTemplate(context.Background(), "+1", "+2", "HX1", map[string]string{"1": "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProviderMessageID)
	_, err = g.SendMessage(context.Background(), "+1", "+2", "hi")
	require.NoError(t, err)

	sent := g.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "whatsapp:+1", sent[0].To)
	assert.Equal(t, "HX1", sent[0].TemplateRef)
	assert.Equal(t, "hi", sent[1].Body)
}

func TestAddresses(t *testing.T) {
	assert.Equal(t, "whatsapp:+1", WhatsAppAddress("+1"))
	assert.Equal(t, "whatsapp:+1", WhatsAppAddress("whatsapp:+1"))
	assert.Equal(t, "+1", BarePhone("whatsapp:+1"))
	assert.Equal(t, "+1", BarePhone("+1"))
}
