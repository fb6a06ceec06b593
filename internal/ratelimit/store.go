package ratelimit

import (
	"context"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

// WindowStore is the slice of the persistence port that keeps windows in
// the database.
type WindowStore interface {
	ReserveSendBudget(ctx context.Context, accountID string, now time.Time, limits domain.RateLimit) (store.Budget, error)
	SendBudgetUsage(ctx context.Context, accountID string, now time.Time) (second, hour int, err error)
	RecordSendBudget(ctx context.Context, accountID string, now time.Time) error
}

// Store keeps windows in the rate_limit_windows table, so every replica
// shares one budget without Redis.
type Store struct {
	Windows WindowStore
	Limits  Limits
	Now     func() time.Time
}

func NewStore(ws WindowStore, limits Limits) *Store {
	return &Store{Windows: ws, Limits: limits, Now: time.Now}
}

func (s *Store) Allow(ctx context.Context, acct domain.ChannelAccount) (Decision, error) {
	now := s.Now().UTC()
	lim := s.Limits.For(acct)
	b, err := s.Windows.ReserveSendBudget(ctx, acct.ID, now, lim)
	if err != nil {
		return Decision{}, err
	}
	return decide(now, lim, b.Allowed, b.SecondCount, b.HourCount), nil
}

func (s *Store) CanSend(ctx context.Context, acct domain.ChannelAccount) (bool, error) {
	lim := s.Limits.For(acct)
	sec, hour, err := s.Windows.SendBudgetUsage(ctx, acct.ID, s.Now().UTC())
	if err != nil {
		return false, err
	}
	return sec < lim.PerSecond && hour < lim.PerHour, nil
}

func (s *Store) RecordSend(ctx context.Context, acct domain.ChannelAccount) error {
	return s.Windows.RecordSendBudget(ctx, acct.ID, s.Now().UTC())
}

func (s *Store) WaitTime(ctx context.Context, acct domain.ChannelAccount) (time.Duration, error) {
	now := s.Now().UTC()
	sec, hour, err := s.Windows.SendBudgetUsage(ctx, acct.ID, now)
	if err != nil {
		return 0, err
	}
	return waitFor(now, s.Limits.For(acct), sec, hour), nil
}
