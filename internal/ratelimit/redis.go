package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

// allowScript increments both windows and undoes the increments when either
// is over budget, so concurrent callers never overspend.
var allowScript = redis.NewScript(`
local s = redis.call('INCR', KEYS[1])
if s == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
local h = redis.call('INCR', KEYS[2])
if h == 1 then redis.call('PEXPIRE', KEYS[2], ARGV[4]) end
if s > tonumber(ARGV[1]) or h > tonumber(ARGV[2]) then
  redis.call('DECR', KEYS[1])
  redis.call('DECR', KEYS[2])
  return {0, s - 1, h - 1}
end
return {1, s, h}
`)

const (
	secondTTL = 2 * time.Second
	hourTTL   = time.Hour + time.Minute
)

// Redis shares windows across every replica through one Redis.
type Redis struct {
	Client redis.UniversalClient
	Limits Limits
	Now    func() time.Time
}

func NewRedis(client redis.UniversalClient, limits Limits) *Redis {
	return &Redis{Client: client, Limits: limits, Now: time.Now}
}

func keys(accountID string, now time.Time) (string, string) {
	sec, hour := store.Windows(now)
	// hash tag keeps both keys on one cluster slot
	return fmt.Sprintf("ratelimit:{%s}:s:%d", accountID, sec.Unix()),
		fmt.Sprintf("ratelimit:{%s}:h:%d", accountID, hour.Unix())
}

func (r *Redis) Allow(ctx context.Context, acct domain.ChannelAccount) (Decision, error) {
	now := r.Now().UTC()
	lim := r.Limits.For(acct)
	sk, hk := keys(acct.ID, now)
	res, err := allowScript.Run(ctx, r.Client, []string{sk, hk},
		lim.PerSecond, lim.PerHour, secondTTL.Milliseconds(), hourTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit allow: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit allow: unexpected reply %v", res)
	}
	return decide(now, lim, res[0] == 1, int(res[1]), int(res[2])), nil
}

func (r *Redis) usage(ctx context.Context, accountID string, now time.Time) (int, int, error) {
	sk, hk := keys(accountID, now)
	vals, err := r.Client.MGet(ctx, sk, hk).Result()
	if err != nil {
		return 0, 0, err
	}
	return atoi(vals[0]), atoi(vals[1]), nil
}

func atoi(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

func (r *Redis) CanSend(ctx context.Context, acct domain.ChannelAccount) (bool, error) {
	lim := r.Limits.For(acct)
	sec, hour, err := r.usage(ctx, acct.ID, r.Now().UTC())
	if err != nil {
		return false, err
	}
	return sec < lim.PerSecond && hour < lim.PerHour, nil
}

func (r *Redis) RecordSend(ctx context.Context, acct domain.ChannelAccount) error {
	sk, hk := keys(acct.ID, r.Now().UTC())
	pipe := r.Client.TxPipeline()
	pipe.Incr(ctx, sk)
	pipe.Expire(ctx, sk, secondTTL)
	pipe.Incr(ctx, hk)
	pipe.Expire(ctx, hk, hourTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) WaitTime(ctx context.Context, acct domain.ChannelAccount) (time.Duration, error) {
	now := r.Now().UTC()
	sec, hour, err := r.usage(ctx, acct.ID, now)
	if err != nil {
		return 0, err
	}
	return waitFor(now, r.Limits.For(acct), sec, hour), nil
}
