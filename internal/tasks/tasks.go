// Package tasks names the background work the gateway schedules and the
// payload each handler receives. Handlers are idempotent: the queue delivers
// at least once.
package tasks

import (
	"context"
	"encoding/json"
	"time"
)

const (
	SendMessage  = "message.send"
	OrphanRetry  = "status.orphan_retry"
	MarkRead     = "message.mark_read"
	FetchProfile = "contact.fetch_profile"
)

// Task is the queue envelope.
type Task struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func New(name string, payload any) (Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{Name: name, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

type SendTask struct {
	MessageID string `json:"messageId"`
	// Deferrals counts how often the send was pushed back by rate limiting.
	Deferrals int `json:"deferrals,omitempty"`
}

type OrphanTask struct {
	OrphanID string `json:"orphanId"`
}

type MarkReadTask struct {
	AccountID         string `json:"accountId"`
	ExternalMessageID string `json:"externalMessageId"`
}

type ProfileTask struct {
	ContactID string `json:"contactId"`
}

// Scheduler enqueues a task that must not run before notBefore. A zero
// notBefore means as soon as possible.
type Scheduler interface {
	Schedule(ctx context.Context, name string, payload any, notBefore time.Time) error
}
