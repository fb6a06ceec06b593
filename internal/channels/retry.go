package channels

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"omnigate/internal/domain"
)

type ErrorKind int

const (
	KindPermanent ErrorKind = iota
	KindTransient
	KindRateLimited
	KindCredentials
)

// CallError is a platform's rejection of one API call.
type CallError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Kind       ErrorKind
}

func (e *CallError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap lets callers test credential rejections with errors.Is.
func (e *CallError) Unwrap() error {
	if e.Kind == KindCredentials {
		return domain.ErrCredentialsRejected
	}
	return nil
}

// ShouldRetry reports whether another attempt may succeed.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind == KindTransient || ce.Kind == KindRateLimited
	}
	var te *domain.TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryPolicy bounds the attempts of one logical send. MaxRetries counts
// retries, so a call is attempted at most MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// A Retry-After longer than this is not slept on; the send is deferred.
	MaxRetryAfter time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		MaxRetryAfter: 10 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt+1: exponential from
// BaseDelay, capped at MaxDelay, with up to 20% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// Do runs fn until it succeeds, fails permanently or the retry budget is
// spent. Exhausting retries yields a DeliveryFailure, except for platform
// rate limiting, which yields a RateLimitedError so the caller can defer.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !ShouldRetry(err) {
			return zero, terminal(err)
		}

		wait := p.Backoff(attempt)
		if ra := retryAfter(err); ra > 0 {
			if ra > p.MaxRetryAfter {
				return zero, &domain.RateLimitedError{Scope: "platform", Wait: ra}
			}
			wait = ra
		}
		if attempt == p.MaxRetries {
			if isRateLimited(err) {
				return zero, &domain.RateLimitedError{Scope: "platform", Wait: wait}
			}
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, &domain.DeliveryFailure{Code: "retry_exhausted", Reason: lastErr.Error(), Err: lastErr}
}

// terminal turns a non-retryable error into what callers act on. Breaker
// rejections pass through untouched so the task is redelivered later.
func terminal(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}
	var df *domain.DeliveryFailure
	if errors.As(err, &df) || domain.IsValidation(err) {
		return err
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return &domain.DeliveryFailure{Code: ce.Code, Reason: ce.Message, Err: err}
	}
	return &domain.DeliveryFailure{Reason: err.Error(), Err: err}
}

func retryAfter(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func isRateLimited(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == KindRateLimited
}

// ParseRetryAfter reads a Retry-After value given as delta seconds or an
// HTTP date. Unparseable or past values give zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}
