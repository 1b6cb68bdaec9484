// Package breaker implements a three-state circuit breaker guarding one remote endpoint.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/caresync/internal/clock"
	"github.com/kimhsiao/caresync/internal/logging"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Closed, Open, HalfOpen} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown breaker state %q", b)
}

// ErrOpen matches every rejection by an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned without invoking the operation while the breaker is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Retryable reports false: backing off inside one retry loop cannot outlast the cooldown.
func (e *OpenError) Retryable() bool { return false }

// Config configures a breaker.
type Config struct {
	FailureThreshold  int
	Timeout           time.Duration
	HalfOpenSuccesses int
}

// DefaultConfig returns 5 failures, 30s cooldown, 2 probe successes.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Timeout: 30 * time.Second, HalfOpenSuccesses: 2}
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Name            string    `json:"name" yaml:"name"`
	State           State     `json:"state" yaml:"state"`
	FailureCount    int       `json:"failure_count" yaml:"failure_count"`
	SuccessCount    int       `json:"success_count" yaml:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty" yaml:"last_failure_time,omitempty"`
	LastStateChange time.Time `json:"last_state_change" yaml:"last_state_change"`
}

// StateChangeFunc observes transitions. It runs outside the breaker's lock.
type StateChangeFunc func(name string, from, to State)

// Breaker is safe for concurrent use. All transitions and counter updates
// happen under mu; the guarded operation runs outside it.
type Breaker struct {
	name      string
	cfg       Config
	clock     clock.Clock
	isFailure func(error) bool
	onChange  StateChangeFunc

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithFailurePredicate decides which errors count against the endpoint.
// Errors it rejects are returned to the caller without touching counters.
func WithFailurePredicate(f func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = f }
}

// WithStateChangeHook registers a transition observer.
func WithStateChangeHook(f StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = f }
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenSuccesses < 1 {
		cfg.HalfOpenSuccesses = 1
	}
	b := &Breaker{
		name:      name,
		cfg:       cfg,
		isFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.clock = clock.OrReal(b.clock)
	b.lastStateChange = b.clock.Now()
	return b
}

// Name returns the endpoint name.
func (b *Breaker) Name() string { return b.name }

type transition struct {
	from, to State
}

// setState must be called with mu held.
func (b *Breaker) setState(to State, now time.Time) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	b.lastStateChange = now
	b.failureCount = 0
	b.successCount = 0
	return t
}

// advance performs the lazy Open to HalfOpen transition. mu must be held.
func (b *Breaker) advance(now time.Time) *transition {
	if b.state == Open && now.Sub(b.lastFailureTime) >= b.cfg.Timeout {
		return b.setState(HalfOpen, now)
	}
	return nil
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	logging.Info("circuit breaker state changed", map[string]interface{}{
		"endpoint": b.name,
		"from":     t.from.String(),
		"to":       t.to.String(),
	})
	if b.onChange != nil {
		b.onChange(b.name, t.from, t.to)
	}
}

// State returns the current state, applying a due Open to HalfOpen transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	t := b.advance(b.clock.Now())
	s := b.state
	b.mu.Unlock()
	b.notify(t)
	return s
}

// Snapshot returns a copy of the breaker's state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	t := b.advance(b.clock.Now())
	s := Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
	b.mu.Unlock()
	b.notify(t)
	return s
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(op func() error) error {
	b.mu.Lock()
	now := b.clock.Now()
	t := b.advance(now)
	if b.state == Open {
		retryAfter := b.cfg.Timeout - now.Sub(b.lastFailureTime)
		b.mu.Unlock()
		b.notify(t)
		return &OpenError{Name: b.name, RetryAfter: retryAfter}
	}
	b.mu.Unlock()
	b.notify(t)

	err := op()

	b.mu.Lock()
	t = b.record(err, b.clock.Now())
	b.mu.Unlock()
	b.notify(t)
	return err
}

// record updates counters for one outcome. mu must be held.
func (b *Breaker) record(err error, now time.Time) *transition {
	if err != nil && b.isFailure(err) {
		b.lastFailureTime = now
		switch b.state {
		case HalfOpen:
			return b.setState(Open, now)
		case Closed:
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				return b.setState(Open, now)
			}
		case Open:
			// a call admitted before another caller tripped the breaker
		}
		return nil
	}
	if err != nil {
		// not the endpoint's fault; leave counters alone
		return nil
	}

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenSuccesses {
			return b.setState(Closed, now)
		}
	}
	return nil
}

// Reset forces the breaker closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setState(Closed, b.clock.Now())
	b.failureCount = 0
	b.successCount = 0
	b.mu.Unlock()
	b.notify(t)
}
