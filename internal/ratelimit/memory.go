package ratelimit

import (
	"context"
	"sync"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

type window struct {
	secStart, hourStart time.Time
	sec, hour           int
}

// Memory keeps windows in process. It only protects a single replica.
type Memory struct {
	Limits Limits
	Now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func NewMemory(limits Limits) *Memory {
	return &Memory{Limits: limits, Now: time.Now, windows: map[string]*window{}}
}

// current returns the account's window rolled forward to now. Caller holds mu.
func (m *Memory) current(accountID string, now time.Time) *window {
	sec, hour := store.Windows(now)
	w, ok := m.windows[accountID]
	if !ok {
		w = &window{secStart: sec, hourStart: hour}
		m.windows[accountID] = w
	}
	if !w.secStart.Equal(sec) {
		w.secStart, w.sec = sec, 0
	}
	if !w.hourStart.Equal(hour) {
		w.hourStart, w.hour = hour, 0
	}
	return w
}

func (m *Memory) Allow(ctx context.Context, acct domain.ChannelAccount) (Decision, error) {
	now := m.Now().UTC()
	lim := m.Limits.For(acct)

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(acct.ID, now)
	if w.sec >= lim.PerSecond || w.hour >= lim.PerHour {
		return decide(now, lim, false, w.sec, w.hour), nil
	}
	w.sec++
	w.hour++
	return decide(now, lim, true, w.sec, w.hour), nil
}

func (m *Memory) CanSend(ctx context.Context, acct domain.ChannelAccount) (bool, error) {
	now := m.Now().UTC()
	lim := m.Limits.For(acct)
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(acct.ID, now)
	return w.sec < lim.PerSecond && w.hour < lim.PerHour, nil
}

func (m *Memory) RecordSend(ctx context.Context, acct domain.ChannelAccount) error {
	now := m.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(acct.ID, now)
	w.sec++
	w.hour++
	return nil
}

func (m *Memory) WaitTime(ctx context.Context, acct domain.ChannelAccount) (time.Duration, error) {
	now := m.Now().UTC()
	lim := m.Limits.For(acct)
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.current(acct.ID, now)
	return waitFor(now, lim, w.sec, w.hour), nil
}
