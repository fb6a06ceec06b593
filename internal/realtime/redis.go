package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"omnigate/internal/domain"
)

// RedisPublisher is the Notifier used by processes that host no sessions.
// Events reach agents through the Relay of an API process.
type RedisPublisher struct {
	Client  redis.UniversalClient
	Channel string
}

func (p *RedisPublisher) Notify(ctx context.Context, ev domain.RealtimeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.Client.Publish(ctx, p.Channel, b).Err(); err != nil {
		return fmt.Errorf("publish realtime event: %w", err)
	}
	return nil
}

// Relay forwards events published on channel to the local sessions until
// ctx is done.
func (h *Hub) Relay(ctx context.Context, client redis.UniversalClient, channel string) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	h.log.Info("realtime relay subscribed", "channel", channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev domain.RealtimeEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				h.log.Warn("realtime relay dropped malformed event", "err", err)
				continue
			}
			h.broadcast(ev.AccountID, []byte(m.Payload))
		}
	}
}
