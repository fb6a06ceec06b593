package store

import (
	"errors"
	"time"

	"omnigate/internal/domain"
)

// ErrUnavailable marks a failure to reach storage at all, as opposed to an
// error about the row being written.
var ErrUnavailable = errors.New("storage unavailable")

type WebhookEventInsert struct {
	AccountID  string
	EventID    string
	EventType  string
	Payload    []byte
	ReceivedAt time.Time
	// A received event whose claim is older than StaleAfter may be reclaimed.
	StaleAfter time.Duration
}

// Claim is the outcome of recording a webhook event. Acquired means the
// caller owns processing; otherwise Status is the state found in storage.
type Claim struct {
	Acquired       bool
	Status         domain.EventStatus
	DuplicateCount int
}

type StatusTransition struct {
	MessageID string
	From      domain.MessageStatus
	To        domain.MessageStatus
	At        time.Time
	Reason    string
}

type SendAttempt struct {
	MessageID  string
	Channel    domain.Channel
	ExternalID string
	Attempt    int
	HTTPStatus int
	ErrorCode  string
	ErrorMsg   string
	At         time.Time
}

type Budget struct {
	Allowed     bool
	SecondCount int
	HourCount   int
}

// Windows returns the fixed per-second and per-hour window starts for now.
func Windows(now time.Time) (second, hour time.Time) {
	now = now.UTC()
	return now.Truncate(time.Second), now.Truncate(time.Hour)
}
