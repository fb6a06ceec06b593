package domain

import "time"

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelFacebook Channel = "facebook"
	ChannelEmail    Channel = "email"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelFacebook, ChannelEmail:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountError    AccountStatus = "error"
	AccountDisabled AccountStatus = "disabled"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type ThreadStatus string

const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
	EventDuplicate EventStatus = "duplicate"
)

// Done reports whether a webhook event needs no further processing.
func (s EventStatus) Done() bool {
	return s == EventProcessed || s == EventDuplicate
}

type EventKind string

const (
	KindMessage      EventKind = "message"
	KindStatus       EventKind = "status"
	KindOptIn        EventKind = "optin"
	KindReferral     EventKind = "referral"
	KindUnrecognized EventKind = "unrecognized"
)

// RateLimit is the per-account outbound budget. Zero fields fall back to
// the deployment defaults.
type RateLimit struct {
	PerSecond int `json:"perSecond" yaml:"per_second"`
	PerHour   int `json:"perHour" yaml:"per_hour"`
}

type ChannelAccount struct {
	ID           string
	Channel      Channel
	ExternalID   string
	Name         string
	Credentials  []byte
	Status       AccountStatus
	StatusReason string
	RateLimit    RateLimit
	AutoMarkRead bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a ChannelAccount) Active() bool { return a.Status == AccountActive }

type Profile struct {
	Name   string `json:"name,omitempty"`
	Locale string `json:"locale,omitempty"`
}

type ExternalContact struct {
	ID         string
	AccountID  string
	Channel    Channel
	ExternalID string
	Profile    Profile
	CustomerID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Thread struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"accountId"`
	ContactID      string       `json:"contactId"`
	Key            string       `json:"key"`
	Status         ThreadStatus `json:"status"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	CreatedAt      time.Time    `json:"createdAt"`
	ClosedAt       *time.Time   `json:"closedAt,omitempty"`
}

// Template addresses a pre-approved platform template (WhatsApp).
type Template struct {
	Name     string   `json:"name"`
	Language string   `json:"language,omitempty"`
	Params   []string `json:"params,omitempty"`
}

type Content struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	MediaRef  string    `json:"mediaRef,omitempty"`
	MediaMime string    `json:"mediaMime,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Template  *Template `json:"template,omitempty"`
	// ThreadRef is the thread key outbound mail carries in References.
	ThreadRef string `json:"threadRef,omitempty"`
}

type Message struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"accountId"`
	ThreadID       string        `json:"threadId"`
	Direction      Direction     `json:"direction"`
	Content        Content       `json:"content"`
	Recipient      string        `json:"recipient,omitempty"`
	ExternalID     string        `json:"externalId,omitempty"`
	IdempotencyKey string        `json:"-"`
	Status         MessageStatus `json:"status"`
	StatusReason   string        `json:"statusReason,omitempty"`
	SentAt         *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	FailedAt       *time.Time    `json:"failedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

type WebhookEvent struct {
	AccountID      string
	EventID        string
	EventType      string
	Payload        []byte
	Status         EventStatus
	Reason         string
	DuplicateCount int
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

// OrphanStatus is a status update whose message is not known locally yet.
type OrphanStatus struct {
	ID                string
	AccountID         string
	ExternalMessageID string
	Status            MessageStatus
	Reason            string
	OccurredAt        time.Time
	Attempts          int
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

// RawEvent is one platform event cut out of a webhook delivery.
type RawEvent struct {
	ID         string
	Type       string
	AccountRef string
	Payload    []byte
	// Invalid is set when the item could not be read. The event is stored
	// as failed with this reason and never dispatched.
	Invalid string
}

type ContactKey struct {
	ExternalID string
	Profile    Profile
	ThreadKey  string
}

type InboundMessage struct {
	ExternalID string
	Content    Content
	Timestamp  time.Time
}

type StatusUpdate struct {
	ExternalMessageID string
	Status            MessageStatus
	Timestamp         time.Time
	ErrorCode         string
	Reason            string
}

// Watermark applies a status to every outbound message sent to the contact
// up to Until (Messenger delivery/read receipts).
type Watermark struct {
	Status MessageStatus
	Until  time.Time
}

type NormalizedEvent struct {
	Kind      EventKind
	Subtype   string
	Sender    ContactKey
	Message   *InboundMessage
	Statuses  []StatusUpdate
	Watermark *Watermark
}

const (
	RealtimeMessageCreated = "message.created"
	RealtimeMessageStatus  = "message.status"
)

type RealtimeEvent struct {
	Type      string        `json:"type"`
	AccountID string        `json:"accountId"`
	ThreadID  string        `json:"threadId"`
	Message   Message       `json:"message"`
	Status    MessageStatus `json:"status"`
	At        time.Time     `json:"at"`
}

func NewRealtimeEvent(typ string, m Message, at time.Time) RealtimeEvent {
	return RealtimeEvent{
		Type:      typ,
		AccountID: m.AccountID,
		ThreadID:  m.ThreadID,
		Message:   m,
		Status:    m.Status,
		At:        at,
	}
}
