// Package channels defines the contract every messaging platform adapter
// implements and the send machinery they share: credentials, retry with
// backoff and per-account circuit breakers.
package channels

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"omnigate/internal/domain"
)

// Adapter translates between one platform's wire format and the canonical
// model, in both directions.
type Adapter interface {
	Channel() domain.Channel
	// Envelope splits one webhook delivery into platform events, each with
	// the platform event id used for deduplication.
	Envelope(body []byte) ([]domain.RawEvent, error)
	// ParseInbound never fails on an unknown subtype; it returns an event of
	// kind unrecognized instead.
	ParseInbound(ev domain.RawEvent) (domain.NormalizedEvent, error)
	// ValidateRecipient returns the canonical recipient or a ValidationError.
	ValidateRecipient(recipient string) (string, error)
	Send(ctx context.Context, acct Account, recipient string, c domain.Content) (string, error)
}

// ReadMarker is implemented by platforms that accept read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, acct Account, externalMessageID string) error
}

// ProfileFetcher is implemented by platforms that expose contact profiles.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, acct Account, externalID string) (domain.Profile, error)
}

// Verifier is implemented by platforms that sign webhook deliveries and
// answer a subscription challenge.
type Verifier interface {
	VerifyDelivery(acct Account, body []byte, signatureHeader string) bool
	VerifyToken(acct Account) string
}

// MalformedEvent stands in for one unreadable item of a delivery. It is
// keyed by the digest of the item so redeliveries still deduplicate.
func MalformedEvent(field, accountRef string, raw []byte, reason string) domain.RawEvent {
	sum := sha256.Sum256(raw)
	return domain.RawEvent{
		ID:         "malformed:" + field + ":" + hex.EncodeToString(sum[:16]),
		Type:       "malformed",
		AccountRef: accountRef,
		Payload:    raw,
		Invalid:    field + ": " + reason,
	}
}

type Registry struct {
	adapters map[domain.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

func (r *Registry) Get(ch domain.Channel) (Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("no adapter for channel %q", ch)
	}
	return a, nil
}
