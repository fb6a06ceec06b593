// Package ratelimit gates outbound platform calls with per-account
// per-second and per-hour fixed windows.
//
// Allow is the atomic check-and-increment every send path uses. CanSend and
// RecordSend exist for callers that observe the budget without spending it;
// combining them is not atomic across processes.
package ratelimit

import (
	"context"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

type Limiter interface {
	Allow(ctx context.Context, acct domain.ChannelAccount) (Decision, error)
	CanSend(ctx context.Context, acct domain.ChannelAccount) (bool, error)
	RecordSend(ctx context.Context, acct domain.ChannelAccount) error
	WaitTime(ctx context.Context, acct domain.ChannelAccount) (time.Duration, error)
}

type Decision struct {
	Allowed     bool
	SecondCount int
	HourCount   int
	// Wait is how long until the exhausted window resets. Zero when allowed.
	Wait time.Duration
}

// Err converts a denied decision into the scheduling signal callers defer on.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.RateLimitedError{Scope: "account", Wait: d.Wait}
}

// Limits resolves an account's budget, falling back to Default for zero fields.
type Limits struct {
	Default domain.RateLimit
}

func (l Limits) For(acct domain.ChannelAccount) domain.RateLimit {
	out := acct.RateLimit
	if out.PerSecond <= 0 {
		out.PerSecond = l.Default.PerSecond
	}
	if out.PerHour <= 0 {
		out.PerHour = l.Default.PerHour
	}
	return out
}

// waitFor returns the time until every exhausted window has reset.
func waitFor(now time.Time, lim domain.RateLimit, secCount, hourCount int) time.Duration {
	sec, hour := store.Windows(now)
	var wait time.Duration
	if secCount >= lim.PerSecond {
		wait = sec.Add(time.Second).Sub(now)
	}
	if hourCount >= lim.PerHour {
		if w := hour.Add(time.Hour).Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

func decide(now time.Time, lim domain.RateLimit, allowed bool, secCount, hourCount int) Decision {
	d := Decision{Allowed: allowed, SecondCount: secCount, HourCount: hourCount}
	if !allowed {
		d.Wait = waitFor(now, lim, secCount, hourCount)
	}
	return d
}
