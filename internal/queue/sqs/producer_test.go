package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnigate/internal/domain"
	"omnigate/internal/ingest"
	"omnigate/internal/tasks"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	deleted []string
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

var now = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func TestDelaySeconds(t *testing.T) {
	cases := []struct {
		name      string
		notBefore time.Time
		want      int32
	}{
		{"zero", time.Time{}, 0},
		{"past", now.Add(-time.Minute), 0},
		{"rounds up", now.Add(1500 * time.Millisecond), 2},
		{"exact", now.Add(2 * time.Minute), 120},
		{"clamped", now.Add(time.Hour), 900},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, delaySeconds(tc.notBefore, now))
		})
	}
}

func TestScheduleSendsEnvelope(t *testing.T) {
	f := &fakeSQS{}
	s := &Scheduler{SQS: f, QueueURL: "q", Now: func() time.Time { return now }}

	err := s.Schedule(context.Background(), tasks.SendMessage, tasks.SendTask{MessageID: "msg_1", Deferrals: 2}, now.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, f.sent, 1)

	in := f.sent[0]
	assert.Equal(t, int32(30), in.DelaySeconds)
	var env taskEnvelope
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &env))
	assert.Equal(t, tasks.SendMessage, env.Name)
	assert.True(t, env.NotBefore.Equal(now.Add(30*time.Second)))
	assert.JSONEq(t, `{"messageId":"msg_1","deferrals":2}`, string(env.Payload))
}

func TestTaskConsumerRequeuesEarlyTask(t *testing.T) {
	f := &fakeSQS{}
	clock := now
	s := &Scheduler{SQS: f, QueueURL: "q", Now: func() time.Time { return clock }}
	c := &TaskConsumer{Poller: Poller{SQS: f, QueueURL: "q"}, Scheduler: s}

	require.NoError(t, s.Schedule(context.Background(), tasks.OrphanRetry, tasks.OrphanTask{OrphanID: "orp_1"}, now.Add(30*time.Minute)))
	require.Len(t, f.sent, 1)
	assert.Equal(t, int32(900), f.sent[0].DelaySeconds)

	var handled []tasks.Task
	handler := func(ctx context.Context, task tasks.Task) error {
		handled = append(handled, task)
		return nil
	}

	// first receipt after the SQS maximum: put back for the remainder
	clock = now.Add(15 * time.Minute)
	require.NoError(t, c.dispatch(context.Background(), *f.sent[0].MessageBody, handler))
	assert.Empty(t, handled)
	require.Len(t, f.sent, 2)
	assert.Equal(t, int32(900), f.sent[1].DelaySeconds)

	clock = now.Add(30 * time.Minute)
	require.NoError(t, c.dispatch(context.Background(), *f.sent[1].MessageBody, handler))
	require.Len(t, handled, 1)
	var p tasks.OrphanTask
	require.NoError(t, handled[0].Decode(&p))
	assert.Equal(t, "orp_1", p.OrphanID)
}

func TestPollerDeletesOnlyHandledOrPoison(t *testing.T) {
	f := &fakeSQS{}
	c := &TaskConsumer{Poller: Poller{SQS: f, QueueURL: "q"}, Scheduler: &Scheduler{SQS: f, QueueURL: "q"}}
	ctx := context.Background()

	msg := func(handle, body string) types.Message {
		return types.Message{ReceiptHandle: str(handle), Body: str(body)}
	}
	ok := func(ctx context.Context, task tasks.Task) error { return nil }
	failing := func(ctx context.Context, task tasks.Task) error { return errors.New("storage unavailable") }
	h := func(handler TaskHandler) bodyHandler {
		return func(ctx context.Context, body string) error { return c.dispatch(ctx, body, handler) }
	}

	c.handle(ctx, msg("r-ok", `{"name":"message.send","payload":{"messageId":"m1"}}`), h(ok))
	c.handle(ctx, msg("r-fail", `{"name":"message.send","payload":{"messageId":"m2"}}`), h(failing))
	c.handle(ctx, msg("r-garbage", `not json`), h(ok))
	c.handle(ctx, msg("r-noname", `{"payload":{}}`), h(ok))

	assert.Equal(t, []string{"r-ok", "r-garbage", "r-noname"}, f.deleted)
}

type inline struct{ got []ingest.Delivery }

func (i *inline) Ingest(ctx context.Context, d ingest.Delivery) error {
	i.got = append(i.got, d)
	return nil
}

func TestDeliveryProducerFallsBackForLargeBodies(t *testing.T) {
	f := &fakeSQS{}
	fb := &inline{}
	p := &DeliveryProducer{SQS: f, QueueURL: "webhooks", Fallback: fb}
	ctx := context.Background()

	small := ingest.Delivery{Channel: domain.ChannelWhatsApp, AccountID: "acc_wa", Body: []byte(`{"entry":[]}`), ReceivedAt: now}
	require.NoError(t, p.Ingest(ctx, small))
	require.Len(t, f.sent, 1)
	assert.Empty(t, fb.got)

	large := small
	large.Body = []byte(strings.Repeat("x", maxMessageBytes))
	require.NoError(t, p.Ingest(ctx, large))
	assert.Len(t, f.sent, 1)
	require.Len(t, fb.got, 1)
	assert.Equal(t, "acc_wa", fb.got[0].AccountID)

	p.Fallback = nil
	assert.Error(t, p.Ingest(ctx, large))
}

func TestDecodeDelivery(t *testing.T) {
	ctx := context.Background()
	var got ingest.Delivery
	handler := func(ctx context.Context, d ingest.Delivery) error {
		got = d
		return nil
	}

	body, err := json.Marshal(ingest.Delivery{Channel: domain.ChannelFacebook, AccountID: "acc_fb", Body: []byte(`{"object":"page"}`), ReceivedAt: now})
	require.NoError(t, err)
	require.NoError(t, decodeDelivery(ctx, string(body), handler))
	assert.Equal(t, `{"object":"page"}`, string(got.Body))

	var poison errPoison
	assert.ErrorAs(t, decodeDelivery(ctx, `{"body":"e30="}`, handler), &poison)
	assert.ErrorAs(t, decodeDelivery(ctx, `[`, handler), &poison)
}

func TestPollConcurrentStopsOnCancel(t *testing.T) {
	f := &fakeSQS{}
	c := &DeliveryConsumer{Poller: Poller{SQS: f, QueueURL: "q"}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(ctx context.Context, d ingest.Delivery) error { return nil })
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
