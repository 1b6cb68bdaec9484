package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/caresync/internal/errors"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) Retryable() bool { return e.code >= 500 || e.code == 429 }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

// recorder collects waits instead of sleeping.
type recorder struct {
	delays []time.Duration
}

func (r *recorder) wait(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

// TestDelay_sequence verifies the documented capped exponential sequence.
func TestDelay_sequence(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 1600 * time.Millisecond, Multiplier: 2.0}

	want := []time.Duration{100, 200, 400, 800, 1600, 1600}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, Delay(cfg, i), "attempt %d", i)
	}
	assert.Equal(t, 1600*time.Millisecond, Delay(cfg, 60), "huge exponents stay capped")
}

// TestIsRetryable verifies classification of errors.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, false},
		{"canceled wrapped", fmt.Errorf("push: %w", context.Canceled), false},
		{"connection refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), true},
		{"patient not found", errors.New("patient not found"), false},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"eof signature", errors.New("unexpected EOF"), true},
		{"io.EOF", io.EOF, true},
		{"econnrefused", fmt.Errorf("x: %w", syscall.ECONNREFUSED), true},
		{"net timeout", timeoutErr{}, true},
		{"503 text", errors.New("server returned 503"), true},
		{"too many requests", errors.New("Too Many Requests"), true},
		{"starting up", errors.New("the database system is starting up"), true},
		{"shutting down", errors.New("server is shutting down"), true},
		{"status 502", statusErr{502}, true},
		{"status 422", statusErr{422}, false},
		{"validation app error", apperrors.New(apperrors.ErrValidation, "card number too short"), false},
		{"invalid payload", errors.New("invalid payload"), false},
		{"unknown", errors.New("something odd"), false},
		{"status digits inside a number", errors.New("amount 5000 exceeds limit"), false},
		{"code prefix", errors.New("code 4290 rejected"), false},
		{"eof inside a word", errors.New("geofence rejected"), false},
		{"status with punctuation", errors.New("upstream replied 502: bad"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

// TestExecute_succeedsAfterRetries verifies waits between transient failures.
func TestExecute_succeedsAfterRetries(t *testing.T) {
	rec := &recorder{}
	c := NewController(DefaultConfig(), WithWait(rec.wait))

	calls := 0
	err := c.Execute(context.Background(), "push invoice", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

// TestExecute_exhausted verifies MaxRetries+1 attempts and the wrapped last error.
func TestExecute_exhausted(t *testing.T) {
	rec := &recorder{}
	cfg := Config{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 1600 * time.Millisecond, Multiplier: 2}
	var hooks int
	c := NewController(cfg, WithWait(rec.wait), WithRetryHook(func(string, int, time.Duration, error) { hooks++ }))

	calls := 0
	last := errors.New("503 service unavailable")
	err := c.Execute(context.Background(), "pull", func(ctx context.Context) error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.Equal(t, 6, calls)
	assert.Equal(t, 5, hooks)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 6, ex.Attempts)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, []time.Duration{100, 200, 400, 800, 1600}, divMs(rec.delays))
}

func divMs(ds []time.Duration) []time.Duration {
	out := make([]time.Duration, len(ds))
	for i, d := range ds {
		out[i] = d / time.Millisecond
	}
	return out
}

// TestExecute_terminalNotRetried verifies a terminal error returns immediately.
func TestExecute_terminalNotRetried(t *testing.T) {
	rec := &recorder{}
	calls := 0
	err := NewController(DefaultConfig(), WithWait(rec.wait)).Execute(context.Background(), "x", func(context.Context) error {
		calls++
		return errors.New("validation failed: amount")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
}

// TestExecute_cancelDuringWait verifies the backoff wait aborts on cancellation.
func TestExecute_cancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Execute(ctx, func(context.Context) error {
			calls++
			return errors.New("connection reset")
		}, cfg, "slow")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsRetryable(err))
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not observe cancellation")
	}
}

// TestExecute_cancelledBeforeStart verifies no attempt is made on a dead context.
func TestExecute_cancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Execute(ctx, func(context.Context) error { calls++; return nil }, DefaultConfig(), "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
