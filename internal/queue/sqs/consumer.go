package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"omnigate/internal/tasks"
)

// API is the subset of the SQS client the queues use.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Poller receives from one queue and feeds a worker pool.
type Poller struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
	Log               *slog.Logger
}

func (p *Poller) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

// errPoison marks a message that can never be handled; it is deleted.
type errPoison struct{ err error }

func (e errPoison) Error() string { return "poison message: " + e.err.Error() }

type bodyHandler func(ctx context.Context, body string) error

// handle runs h on one message and deletes it when h succeeds or the
// message is poison. Otherwise the message is left for SQS redrive/DLQ.
func (p *Poller) handle(ctx context.Context, m types.Message, h bodyHandler) {
	if m.Body == nil {
		p.delete(ctx, m)
		return
	}
	err := h(ctx, *m.Body)
	if err == nil {
		p.delete(ctx, m)
		return
	}
	if _, ok := err.(errPoison); ok {
		p.logger().Error("sqs poison message deleted", "err", err, "queue", p.QueueURL)
		p.delete(ctx, m)
		return
	}
	p.logger().Error("sqs handler error", "err", err, "queue", p.QueueURL)
}

func (p *Poller) delete(ctx context.Context, m types.Message) {
	if _, err := p.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &p.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		p.logger().Warn("sqs delete message failed", "err", err, "queue", p.QueueURL)
	}
}

// receiveBackoff is the pause after a failed ReceiveMessage.
const receiveBackoff = 500 * time.Millisecond

// pollConcurrent feeds received messages to a pool of workers until ctx is
// cancelled. Messages already handed to a worker are finished before it
// returns.
func (p *Poller) pollConcurrent(ctx context.Context, workers int, h bodyHandler) error {
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan types.Message, workers*2)

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for m := range jobs {
				p.handle(ctx, m, h)
			}
		}()
	}

	err := p.feed(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

// feed long-polls the queue into jobs and returns the context error once
// ctx is done.
func (p *Poller) feed(ctx context.Context, jobs chan<- types.Message) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := p.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &p.QueueURL,
			MaxNumberOfMessages: p.MaxMessages,
			WaitTimeSeconds:     p.WaitTimeSeconds,
			VisibilityTimeout:   p.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() == nil {
				p.logger().Error("sqs receive message failed", "err", err, "queue", p.QueueURL)
			}
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
			continue
		}
		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type TaskHandler func(ctx context.Context, t tasks.Task) error

// TaskConsumer drains the task queue. A task received before its
// notBefore (delays beyond the SQS maximum) is put back with the
// remaining delay.
type TaskConsumer struct {
	Poller
	Scheduler *Scheduler
}

func (c *TaskConsumer) PollConcurrent(ctx context.Context, workers int, handler TaskHandler) error {
	return c.pollConcurrent(ctx, workers, func(ctx context.Context, body string) error {
		return c.dispatch(ctx, body, handler)
	})
}

func (c *TaskConsumer) dispatch(ctx context.Context, body string, handler TaskHandler) error {
	var env taskEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil || env.Name == "" {
		if err == nil {
			err = errMissingName
		}
		return errPoison{err}
	}
	if !env.NotBefore.IsZero() && env.NotBefore.After(c.Scheduler.now().Add(time.Second)) {
		return c.Scheduler.send(ctx, env)
	}
	return handler(ctx, tasks.Task{Name: env.Name, Payload: env.Payload})
}
