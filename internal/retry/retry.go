// Package retry implements caller-driven retry with exponential backoff.
//
// A Policy does not loop. Each Execute call runs the operation at most once,
// waiting first when earlier calls have failed, so the caller decides when to
// try again and can surface "attempt 2 of 3" between calls.
package retry

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

var (
	// ErrRetryExhausted is returned without running the operation once the
	// policy has used all of its attempts. Call Reset to start over.
	ErrRetryExhausted = errors.New("retry: max retries reached")
	// ErrBackoffCanceled is returned when Reset interrupts a pending backoff wait.
	ErrBackoffCanceled = errors.New("retry: backoff canceled")
)

const (
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = time.Second
	DefaultBackoffMultiplier = 2.0
)

// State is the policy's position in the Idle -> BackoffWait -> Attempting -> Idle cycle.
type State int

const (
	StateIdle State = iota
	StateBackoffWait
	StateAttempting
)

func (s State) String() string {
	switch s {
	case StateBackoffWait:
		return "backoff_wait"
	case StateAttempting:
		return "attempting"
	default:
		return "idle"
	}
}

// Config configures a Policy. Zero values take the package defaults;
// MaxDelay zero means uncapped.
type Config struct {
	Name              string
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration

	// OnAttempt receives the 1-based attempt number before the operation runs.
	OnAttempt func(attempt int)
	// OnExhausted fires when a failure uses the last attempt and on every
	// refused call afterwards.
	OnExhausted func()
	// OnStateChange fires after each state transition, outside the policy lock.
	OnStateChange func(from, to State)
}

type waitFunc func(ctx context.Context, d time.Duration, cancel <-chan struct{}) error

// Policy tracks attempts for one logical operation. Safe for concurrent use,
// though attempts are only meaningful when calls are sequential.
type Policy struct {
	cfg Config

	mu       sync.Mutex
	attempts int
	state    State
	cancel   chan struct{}

	wait waitFunc
}

// New creates a Policy with defaults applied.
func New(cfg Config) *Policy {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return &Policy{
		cfg:    cfg,
		cancel: make(chan struct{}),
		wait:   sleep,
	}
}

// Execute runs op once. If earlier calls failed it first waits
// Delay(AttemptCount()). The op's error is returned unchanged.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.attempts >= p.cfg.MaxRetries {
		p.mu.Unlock()
		p.exhausted()
		return ErrRetryExhausted
	}
	prior := p.attempts
	cancel := p.cancel
	p.mu.Unlock()

	if prior > 0 {
		p.setState(StateBackoffWait)
		if err := p.wait(ctx, p.Delay(prior), cancel); err != nil {
			p.setState(StateIdle)
			return err
		}
	}

	p.setState(StateAttempting)
	observability.RetryAttemptsTotal.WithLabelValues(p.cfg.Name).Inc()
	if p.cfg.OnAttempt != nil {
		p.cfg.OnAttempt(prior + 1)
	}

	err := op(ctx)

	p.mu.Lock()
	if err == nil {
		p.attempts = 0
		p.mu.Unlock()
		p.setState(StateIdle)
		return nil
	}
	p.attempts++
	reached := p.attempts >= p.cfg.MaxRetries
	p.mu.Unlock()

	if reached {
		p.exhausted()
	}
	p.setState(StateIdle)
	return err
}

// Do runs op through p.Execute and returns its value.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Reset zeroes the attempt count and aborts any pending backoff wait.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	close(p.cancel)
	p.cancel = make(chan struct{})
	p.mu.Unlock()
	p.setState(StateIdle)
}

// Delay returns the wait before the retry that follows `attempts` failures:
// BaseDelay * BackoffMultiplier^(attempts-1), capped at MaxDelay. Zero for attempts <= 0.
func (p *Policy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempts-1))
	if p.cfg.MaxDelay > 0 && d > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// CanRetry reports whether Execute would still run the operation.
func (p *Policy) CanRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts < p.cfg.MaxRetries
}

// AttemptCount returns the number of consecutive failures.
func (p *Policy) AttemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// MaxRetries returns the configured attempt limit.
func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// IsRetrying reports whether a call is waiting or attempting.
func (p *Policy) IsRetrying() bool {
	return p.State() != StateIdle
}

func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Policy) setState(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	if from != to && p.cfg.OnStateChange != nil {
		p.cfg.OnStateChange(from, to)
	}
}

func (p *Policy) exhausted() {
	observability.RetryExhaustedTotal.WithLabelValues(p.cfg.Name).Inc()
	if p.cfg.OnExhausted != nil {
		p.cfg.OnExhausted()
	}
}

func sleep(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancel:
		return ErrBackoffCanceled
	case <-t.C:
		return nil
	}
}
