// Package facebook adapts the Messenger Platform (Facebook page messaging).
package facebook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"omnigate/internal/channels"
	"omnigate/internal/channels/graph"
	"omnigate/internal/domain"
)

type Adapter struct {
	channels.HubVerifier

	Graph  *graph.Client
	Caller *channels.Caller
}

func New(g *graph.Client, c *channels.Caller) *Adapter {
	return &Adapter{Graph: g, Caller: c}
}

func (a *Adapter) Channel() domain.Channel { return domain.ChannelFacebook }

type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string            `json:"id"`
		Time      int64             `json:"time"`
		Messaging []json.RawMessage `json:"messaging"`
	} `json:"entry"`
}

type messaging struct {
	Sender    party `json:"sender"`
	Recipient party `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		StickerID  int64  `json:"sticker_id"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL         string `json:"url"`
				Coordinates *struct {
					Lat  float64 `json:"lat"`
					Long float64 `json:"long"`
				} `json:"coordinates"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		MID     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Delivery *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
	Optin *struct {
		Ref string `json:"ref"`
	} `json:"optin"`
	Referral *struct {
		Ref    string `json:"ref"`
		Source string `json:"source"`
	} `json:"referral"`
}

type party struct {
	ID string `json:"id"`
}

// Envelope emits one event per messaging item. AccountRef is the page id.
func (a *Adapter) Envelope(body []byte) ([]domain.RawEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.NewValidationError("body", "invalid json: "+err.Error())
	}
	if env.Object != "page" {
		return nil, domain.NewValidationError("object", fmt.Sprintf("unexpected object %q", env.Object))
	}

	var out []domain.RawEvent
	for _, e := range env.Entry {
		for _, raw := range e.Messaging {
			var m messaging
			if err := json.Unmarshal(raw, &m); err != nil {
				out = append(out, channels.MalformedEvent("messaging", e.ID, raw, err.Error()))
				continue
			}
			typ, id := eventID(m, raw)
			out = append(out, domain.RawEvent{ID: id, Type: typ, AccountRef: e.ID, Payload: raw})
		}
	}
	return out, nil
}

func eventID(m messaging, raw []byte) (typ, id string) {
	ts := strconv.FormatInt(m.Timestamp, 10)
	switch {
	case m.Message != nil && m.Message.MID != "":
		return "message", "message:" + m.Message.MID
	case m.Postback != nil:
		if m.Postback.MID != "" {
			return "postback", "postback:" + m.Postback.MID
		}
		return "postback", "postback:" + m.Sender.ID + ":" + ts
	case m.Delivery != nil:
		return "delivery", "delivery:" + m.Sender.ID + ":" + strconv.FormatInt(m.Delivery.Watermark, 10)
	case m.Read != nil:
		return "read", "read:" + m.Sender.ID + ":" + strconv.FormatInt(m.Read.Watermark, 10)
	case m.Optin != nil:
		return "optin", "optin:" + m.Sender.ID + ":" + ts
	case m.Referral != nil:
		return "referral", "referral:" + m.Sender.ID + ":" + ts
	}
	sum := sha256.Sum256(raw)
	return "other", "event:" + m.Sender.ID + ":" + ts + ":" + hex.EncodeToString(sum[:8])
}

func (a *Adapter) ParseInbound(ev domain.RawEvent) (domain.NormalizedEvent, error) {
	var m messaging
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		return domain.NormalizedEvent{}, domain.NewValidationError("messaging", err.Error())
	}
	if m.Sender.ID == "" {
		return domain.NormalizedEvent{}, domain.NewValidationError("sender", "missing sender id")
	}
	sender := domain.ContactKey{ExternalID: m.Sender.ID}
	at := msTime(m.Timestamp)
	if missingBody(ev.Type, m) {
		return domain.NormalizedEvent{}, domain.NewValidationError(ev.Type, "event body missing")
	}

	switch ev.Type {
	case "message":
		if m.Message.IsEcho {
			return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: "echo"}, nil
		}
		content, ok := messageContent(m)
		if !ok {
			return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: "message", Sender: sender}, nil
		}
		return domain.NormalizedEvent{
			Kind:    domain.KindMessage,
			Subtype: content.Type,
			Sender:  sender,
			Message: &domain.InboundMessage{ExternalID: m.Message.MID, Content: content, Timestamp: at},
		}, nil

	case "postback":
		id := m.Postback.MID
		if id == "" {
			id = "postback:" + m.Sender.ID + ":" + strconv.FormatInt(m.Timestamp, 10)
		}
		return domain.NormalizedEvent{
			Kind:    domain.KindMessage,
			Subtype: "postback",
			Sender:  sender,
			Message: &domain.InboundMessage{
				ExternalID: id,
				Content:    domain.Content{Type: "postback", Text: m.Postback.Title, Payload: m.Postback.Payload},
				Timestamp:  at,
			},
		}, nil

	case "delivery":
		ne := domain.NormalizedEvent{Kind: domain.KindStatus, Subtype: "delivery", Sender: sender}
		for _, mid := range m.Delivery.MIDs {
			ne.Statuses = append(ne.Statuses, domain.StatusUpdate{ExternalMessageID: mid, Status: domain.StatusDelivered, Timestamp: at})
		}
		if len(ne.Statuses) == 0 {
			ne.Watermark = &domain.Watermark{Status: domain.StatusDelivered, Until: msTime(m.Delivery.Watermark)}
		}
		return ne, nil

	case "read":
		return domain.NormalizedEvent{
			Kind:      domain.KindStatus,
			Subtype:   "read",
			Sender:    sender,
			Watermark: &domain.Watermark{Status: domain.StatusRead, Until: msTime(m.Read.Watermark)},
		}, nil

	case "optin":
		return domain.NormalizedEvent{Kind: domain.KindOptIn, Subtype: "optin", Sender: sender}, nil

	case "referral":
		return domain.NormalizedEvent{Kind: domain.KindReferral, Subtype: m.Referral.Source, Sender: sender}, nil
	}
	return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: ev.Type, Sender: sender}, nil
}

func missingBody(typ string, m messaging) bool {
	switch typ {
	case "message":
		return m.Message == nil
	case "postback":
		return m.Postback == nil
	case "delivery":
		return m.Delivery == nil
	case "read":
		return m.Read == nil
	case "referral":
		return m.Referral == nil
	}
	return false
}

func messageContent(m messaging) (domain.Content, bool) {
	msg := m.Message
	c := domain.Content{Type: "text", Text: msg.Text}
	if msg.QuickReply != nil {
		c.Type = "quick_reply"
		c.Payload = msg.QuickReply.Payload
	}
	if msg.StickerID != 0 && len(msg.Attachments) > 0 {
		c.Type = "sticker"
		c.MediaRef = msg.Attachments[0].Payload.URL
		return c, true
	}
	if len(msg.Attachments) > 0 {
		at := msg.Attachments[0]
		switch at.Type {
		case "image", "video", "audio", "file":
			c.Type = at.Type
			c.MediaRef = at.Payload.URL
		case "location":
			if at.Payload.Coordinates == nil {
				return c, c.Text != ""
			}
			c.Type = "location"
			c.Text = fmt.Sprintf("Location: %g, %g", at.Payload.Coordinates.Lat, at.Payload.Coordinates.Long)
		default:
			// fallback and template attachments carry no content of their own
		}
	}
	return c, c.Text != "" || c.MediaRef != ""
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ValidateRecipient accepts page-scoped ids, which are numeric.
func (a *Adapter) ValidateRecipient(recipient string) (string, error) {
	if len(recipient) < 5 || len(recipient) > 32 {
		return "", domain.NewValidationError("recipient", "page-scoped id must have 5 to 32 digits")
	}
	for _, r := range recipient {
		if r < '0' || r > '9' {
			return "", domain.NewValidationError("recipient", "page-scoped id must be numeric")
		}
	}
	return recipient, nil
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (a *Adapter) Send(ctx context.Context, acct channels.Account, recipient string, c domain.Content) (string, error) {
	to, err := a.ValidateRecipient(recipient)
	if err != nil {
		return "", err
	}
	msg, err := outbound(c)
	if err != nil {
		return "", err
	}
	if acct.Creds.AccessToken == "" {
		return "", &domain.DeliveryFailure{Code: "misconfigured", Reason: "account has no page token"}
	}
	body := map[string]any{
		"recipient":      map[string]string{"id": to},
		"messaging_type": "RESPONSE",
		"message":        msg,
	}
	endpoint := acct.Creds.GraphBaseURL() + "/me/messages"

	return channels.Call(ctx, a.Caller, acct.Meta.ID, func(ctx context.Context) (string, error) {
		var out sendResponse
		if err := a.Graph.Do(ctx, "facebook.send", http.MethodPost, endpoint, acct.Creds.AccessToken, body, &out); err != nil {
			return "", err
		}
		if out.MessageID == "" {
			return "", &domain.DeliveryFailure{Code: "no_message_id", Reason: "platform returned no message id"}
		}
		return out.MessageID, nil
	})
}

func outbound(c domain.Content) (map[string]any, error) {
	if c.MediaRef != "" {
		kind := c.Type
		switch kind {
		case "image", "video", "audio", "file":
		default:
			kind = "file"
		}
		return map[string]any{
			"attachment": map[string]any{
				"type":    kind,
				"payload": map[string]any{"url": c.MediaRef, "is_reusable": true},
			},
		}, nil
	}
	if c.Text == "" {
		return nil, domain.NewValidationError("content", "empty message")
	}
	return map[string]any{"text": c.Text}, nil
}

type profileResponse struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Locale    string `json:"locale"`
}

// FetchProfile reads the public profile of a page-scoped user.
func (a *Adapter) FetchProfile(ctx context.Context, acct channels.Account, psid string) (domain.Profile, error) {
	endpoint := acct.Creds.GraphBaseURL() + "/" + url.PathEscape(psid) + "?fields=first_name,last_name,locale"
	return channels.Call(ctx, a.Caller, acct.Meta.ID, func(ctx context.Context) (domain.Profile, error) {
		var out profileResponse
		if err := a.Graph.Do(ctx, "facebook.profile", http.MethodGet, endpoint, acct.Creds.AccessToken, nil, &out); err != nil {
			return domain.Profile{}, err
		}
		name := out.FirstName
		if out.LastName != "" {
			if name != "" {
				name += " "
			}
			name += out.LastName
		}
		return domain.Profile{Name: name, Locale: out.Locale}, nil
	})
}
