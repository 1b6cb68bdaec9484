// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kimhsiao/caresync/internal/logging"
)

// Config configures backoff.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultConfig returns 5 retries at 100ms doubling up to 1.6s.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1600 * time.Millisecond,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before retry number attempt (0-based):
// min(BaseDelay * Multiplier^attempt, MaxDelay).
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the default WaitFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller executes operations under a fixed Config.
type Controller struct {
	cfg      Config
	wait     WaitFunc
	classify func(error) bool
	onRetry  func(label string, attempt int, delay time.Duration, err error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithWait replaces the backoff wait, e.g. to record delays in tests.
func WithWait(w WaitFunc) Option {
	return func(c *Controller) { c.wait = w }
}

// WithClassifier replaces IsRetryable.
func WithClassifier(f func(error) bool) Option {
	return func(c *Controller) { c.classify = f }
}

// WithRetryHook is called before every backoff wait.
func WithRetryHook(f func(label string, attempt int, delay time.Duration, err error)) Option {
	return func(c *Controller) { c.onRetry = f }
}

// NewController creates a Controller.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{cfg: cfg, wait: SleepContext, classify: IsRetryable}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the controller's backoff configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// MaxRetries retries have been spent. Cancellation during a wait returns ctx.Err().
func (c *Controller) Execute(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 0 {
				logging.Info("operation succeeded after retry", map[string]interface{}{
					"label":    label,
					"attempts": attempt + 1,
				})
			}
			return nil
		}

		if !c.classify(lastErr) {
			return lastErr
		}
		if attempt >= c.cfg.MaxRetries {
			return &ExhaustedError{Label: label, Attempts: attempt + 1, Err: lastErr}
		}

		delay := Delay(c.cfg, attempt)
		logging.Debug("retrying operation", map[string]interface{}{
			"label":    label,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    lastErr.Error(),
		})
		if c.onRetry != nil {
			c.onRetry(label, attempt+1, delay, lastErr)
		}
		if err := c.wait(ctx, delay); err != nil {
			return err
		}
	}
}

// Execute runs op with a one-off controller.
func Execute(ctx context.Context, op func(ctx context.Context) error, cfg Config, label string) error {
	return NewController(cfg).Execute(ctx, label, op)
}
