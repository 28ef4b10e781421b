package errors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Policy controls how provider calls are retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// Jitter adds up to 10% random delay.
	Jitter bool
	// RetryIf decides whether an error is worth another attempt.
	RetryIf func(error) bool
}

// DefaultPolicy retries temporary and rate limited failures three times.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf:      IsRetryable,
	}
}

// wait returns the pause before the next attempt. A rate limit that names
// its own retry delay wins over the backoff.
func (p *Policy) wait(delay time.Duration, err error) time.Duration {
	if after := GetRetryAfter(err); after > 0 {
		if p.MaxDelay > 0 && after > p.MaxDelay {
			return p.MaxDelay
		}
		return after
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Float64() * float64(delay) * 0.1)
	}
	return delay
}

func (p *Policy) grow(delay time.Duration) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	delay = time.Duration(float64(delay) * m)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done.
func Do(ctx context.Context, policy *Policy, fn func() error) error {
	_, err := DoWithResult(ctx, policy, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, policy *Policy, fn func() (T, error)) (T, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero  T
		err   error
		delay = policy.InitialDelay
	)
	for attempt := 1; ; attempt++ {
		var res T
		if res, err = fn(); err == nil {
			return res, nil
		}
		if attempt >= attempts || (policy.RetryIf != nil && !policy.RetryIf(err)) {
			break
		}

		timer := time.NewTimer(policy.wait(delay, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-timer.C:
		}
		delay = policy.grow(delay)
	}
	if attempts == 1 {
		return zero, err
	}
	return zero, fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}

// State is the position of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration
	// HalfOpenAttempts is how many trial calls pass while half open.
	HalfOpenAttempts int
}

// DefaultCircuitBreakerConfig opens after five failures for a minute.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:      5,
		ResetTimeout:     60 * time.Second,
		HalfOpenAttempts: 3,
	}
}

// CircuitBreaker stops calling a provider that keeps failing. Each
// adapter instance owns one.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int
}

// NewCircuitBreaker creates a closed breaker. A nil config uses the
// defaults.
func NewCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{name: name, cfg: *config, now: time.Now}
}

func (cb *CircuitBreaker) openError() error {
	return NewBuilder(CodeProviderUnavailable, fmt.Sprintf("%s is failing repeatedly, calls are paused", cb.name)).
		Kind(KindProvider).
		Temporary().
		WithSuggestion(fmt.Sprintf("Try again in %s or switch provider", cb.cfg.ResetTimeout)).
		Build()
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := ExecuteCircuitBreakerWithResult(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteCircuitBreakerWithResult runs fn through cb.
func ExecuteCircuitBreakerWithResult[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, cb.openError()
	}
	res, err := fn()
	cb.record(err)
	return res, err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.state, cb.trials = StateHalfOpen, 0
		fallthrough
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenAttempts {
			return false
		}
		cb.trials++
	}
	return true
}

// record counts failures. Caller cancellations and user errors do not
// say anything about the provider's health and are ignored.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state, cb.failures = StateClosed, 0
		return
	}
	if Is(err, context.Canceled) || GetCategory(err) == CategoryUser {
		return
	}
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state, cb.openedAt = StateOpen, cb.now()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state, cb.failures, cb.trials = StateClosed, 0, 0
}
