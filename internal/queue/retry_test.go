package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/wajourney/pkg/schema"
)

func TestComputeBackoff(t *testing.T) {
	policy := DefaultBackoffPolicy()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		attempt := i + 1
		t.Run(fmt.Sprintf("attempt_%d", attempt), func(t *testing.T) {
			assert.Equal(t, w, ComputeBackoff(policy, attempt))
		})
	}
}

func TestComputeBackoff_Edges(t *testing.T) {
	assert.Equal(t, time.Second, ComputeBackoff(BackoffPolicy{}, 0))
	assert.Equal(t, 30*time.Second, ComputeBackoff(BackoffPolicy{}, 500))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(BackoffPolicy{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}, 3))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second}, 2))
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"network", fmt.Errorf("dial: %w", timeoutNetErr{}), true},
		{"plain", errors.New("something broke"), true},
		{"store", schema.NewError(schema.ErrCodeStore, "db down"), true},
		{"gateway", schema.NewError(schema.ErrCodeGateway, "503"), true},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad payload"), false},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "gone"), false},
		{"unknown type", schema.NewError(schema.ErrCodeUnknownJobType, "nope"), false},
		{"rejected", fmt.Errorf("send: %w", schema.NewError(schema.ErrCodeGatewayRejected, "21211")), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableError(tc.err))
		})
	}
}
