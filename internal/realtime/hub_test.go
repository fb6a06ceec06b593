package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnigate/internal/domain"
)

var at = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func event(account, msgID string, status domain.MessageStatus) domain.RealtimeEvent {
	m := domain.Message{ID: msgID, AccountID: account, ThreadID: "thr_1", Status: status}
	return domain.NewRealtimeEvent(domain.RealtimeMessageStatus, m, at)
}

func serve(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, h *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return h.Sessions() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) domain.RealtimeEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.RealtimeEvent
	require.NoError(t, json.Unmarshal(b, &ev))
	return ev
}

func TestServeWSRejectsBadToken(t *testing.T) {
	h := NewHub("secret", nil)
	url := serve(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.Sessions())
}

func TestNotifyReachesMatchingSessions(t *testing.T) {
	h := NewHub("secret", nil)
	url := serve(t, h)

	all := dial(t, h, url+"?token=secret", 1)
	waOnly := dial(t, h, url+"?token=secret&account=acc_wa", 2)

	ctx := context.Background()
	require.NoError(t, h.Notify(ctx, event("acc_fb", "msg_1", domain.StatusDelivered)))
	require.NoError(t, h.Notify(ctx, event("acc_wa", "msg_2", domain.StatusRead)))

	first := read(t, all)
	assert.Equal(t, "msg_1", first.Message.ID)
	assert.Equal(t, "msg_2", read(t, all).Message.ID)

	got := read(t, waOnly)
	assert.Equal(t, "msg_2", got.Message.ID)
	assert.Equal(t, domain.StatusRead, got.Status)
}

func TestSessionClosesOnDisconnect(t *testing.T) {
	h := NewHub("secret", nil)
	url := serve(t, h)

	conn := dial(t, h, url+"?token=secret", 1)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSlowSessionDropsEvents(t *testing.T) {
	h := NewHub("secret", nil)
	s := &session{hub: h, send: make(chan []byte, 1)}
	h.sessions[s] = struct{}{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = h.Notify(context.Background(), event("acc_wa", "msg_1", domain.StatusSent))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a full session")
	}
	assert.Len(t, s.send, 1)
}

func TestRelayForwardsPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := NewHub("secret", nil)
	conn := dial(t, h, serve(t, h)+"?token=secret", 1)

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- h.Relay(ctx, client, "omnigate:realtime") }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("omnigate:realtime")["omnigate:realtime"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub := &RedisPublisher{Client: client, Channel: "omnigate:realtime"}
	require.NoError(t, pub.Notify(ctx, event("acc_wa", "msg_9", domain.StatusDelivered)))

	got := read(t, conn)
	assert.Equal(t, "msg_9", got.Message.ID)
	assert.Equal(t, domain.StatusDelivered, got.Status)

	cancel()
	select {
	case err := <-relayDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
