// Package sqsqueue carries tasks and webhook deliveries over SQS.
package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"omnigate/internal/tasks"
)

// maxDelay is the longest DelaySeconds SQS accepts.
const maxDelay = 15 * time.Minute

var errMissingName = errors.New("task has no name")

type taskEnvelope struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	NotBefore time.Time       `json:"notBefore,omitempty"`
}

// Scheduler implements tasks.Scheduler on an SQS queue. notBefore is
// expressed as a message delay; longer waits are completed by the consumer.
type Scheduler struct {
	SQS      API
	QueueURL string
	Now      func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Scheduler) Schedule(ctx context.Context, name string, payload any, notBefore time.Time) error {
	t, err := tasks.New(name, payload)
	if err != nil {
		return err
	}
	env := taskEnvelope{Name: t.Name, Payload: t.Payload}
	if !notBefore.IsZero() {
		env.NotBefore = notBefore.UTC()
	}
	return s.send(ctx, env)
}

func (s *Scheduler) send(ctx context.Context, env taskEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &s.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: delaySeconds(env.NotBefore, s.now()),
	})
	return err
}

// delaySeconds rounds the wait until notBefore up to whole seconds and
// clamps it to what SQS accepts.
func delaySeconds(notBefore, now time.Time) int32 {
	if notBefore.IsZero() {
		return 0
	}
	d := notBefore.Sub(now)
	if d <= 0 {
		return 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}

func str(s string) *string { return &s }
