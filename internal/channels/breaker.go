package channels

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerSettings struct {
	MaxRequests  uint32
	Timeout      time.Duration
	TripFailures uint32
}

// Breakers holds one circuit breaker per channel account, so a failing
// account does not stop sends on the others.
type Breakers struct {
	Settings BreakerSettings
	// OnStateChange is optional.
	OnStateChange func(account string, from, to gobreaker.State)

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(s BreakerSettings) *Breakers {
	return &Breakers{Settings: s, m: map[string]*gobreaker.CircuitBreaker{}}
}

func (b *Breakers) get(account string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.m[account]; ok {
		return cb
	}
	trip := b.Settings.TripFailures
	if trip == 0 {
		trip = 10
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        account,
		MaxRequests: b.Settings.MaxRequests,
		Timeout:     b.Settings.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		// permanent rejections say nothing about platform health
		IsSuccessful: func(err error) bool { return err == nil || !ShouldRetry(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.OnStateChange != nil {
				b.OnStateChange(name, from, to)
			}
		},
	})
	b.m[account] = cb
	return cb
}

func (b *Breakers) Execute(account string, fn func() (any, error)) (any, error) {
	return b.get(account).Execute(fn)
}

func (b *Breakers) State(account string) gobreaker.State {
	return b.get(account).State()
}

// Caller bundles the retry policy and breakers every adapter sends through.
type Caller struct {
	Policy   RetryPolicy
	Breakers *Breakers
	// AttemptTimeout bounds each platform call.
	AttemptTimeout time.Duration
}

func NewCaller(p RetryPolicy, b *Breakers, attemptTimeout time.Duration) *Caller {
	return &Caller{Policy: p, Breakers: b, AttemptTimeout: attemptTimeout}
}

// Call runs fn with retries; each attempt is bounded by AttemptTimeout and
// passes through the account's breaker.
func Call[T any](ctx context.Context, c *Caller, account string, fn func(ctx context.Context) (T, error)) (T, error) {
	observe, _ := ctx.Value(attemptKey{}).(AttemptFunc)
	n := 0
	attempt := func(ctx context.Context) (T, error) {
		n++
		v, err := call(ctx, c, account, fn)
		if observe != nil {
			observe(n, err)
		}
		return v, err
	}
	return Do(ctx, c.Policy, attempt)
}

// AttemptFunc observes the outcome of every platform call attempt.
type AttemptFunc func(attempt int, err error)

type attemptKey struct{}

// WithAttemptObserver makes Call report each attempt made under ctx to fn.
func WithAttemptObserver(ctx context.Context, fn AttemptFunc) context.Context {
	return context.WithValue(ctx, attemptKey{}, fn)
}

func call[T any](ctx context.Context, c *Caller, account string, fn func(ctx context.Context) (T, error)) (T, error) {
	if c.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.AttemptTimeout)
		defer cancel()
	}
	if c.Breakers == nil {
		return fn(ctx)
	}
	v, err := c.Breakers.Execute(account, func() (any, error) {
		out, err := fn(ctx)
		return out, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
