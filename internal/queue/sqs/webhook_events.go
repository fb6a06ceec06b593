package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"omnigate/internal/ingest"
)

// maxMessageBytes is the SQS message size limit.
const maxMessageBytes = 256 * 1024

var errMissingAccount = errors.New("delivery has no account")

// Ingester processes a delivery in process.
type Ingester interface {
	Ingest(ctx context.Context, d ingest.Delivery) error
}

// DeliveryProducer hands verified webhook deliveries to the processor
// queue. Deliveries too large for SQS go to Fallback instead.
type DeliveryProducer struct {
	SQS      API
	QueueURL string
	Fallback Ingester
	Log      *slog.Logger
}

func (p *DeliveryProducer) Ingest(ctx context.Context, d ingest.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if len(body) > maxMessageBytes {
		if p.Fallback == nil {
			return errTooLarge(len(body))
		}
		log := p.Log
		if log == nil {
			log = slog.Default()
		}
		log.Info("delivery too large for queue, processing inline", "account_id", d.AccountID, "bytes", len(body))
		return p.Fallback.Ingest(ctx, d)
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type errTooLarge int

func (e errTooLarge) Error() string {
	return "delivery of " + strconv.Itoa(int(e)) + " bytes exceeds the queue message limit"
}

type DeliveryHandler func(ctx context.Context, d ingest.Delivery) error

type DeliveryConsumer struct {
	Poller
}

// PollConcurrent processes deliveries with a worker pool. A handler error
// leaves the message for redrive.
func (c *DeliveryConsumer) PollConcurrent(ctx context.Context, workers int, handler DeliveryHandler) error {
	return c.pollConcurrent(ctx, workers, func(ctx context.Context, body string) error {
		return decodeDelivery(ctx, body, handler)
	})
}

func decodeDelivery(ctx context.Context, body string, handler DeliveryHandler) error {
	var d ingest.Delivery
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		// bad payload => delete to avoid endless redrive
		return errPoison{err}
	}
	if d.AccountID == "" {
		return errPoison{errMissingAccount}
	}
	return handler(ctx, d)
}
