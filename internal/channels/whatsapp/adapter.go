// Package whatsapp adapts the WhatsApp Cloud API.
package whatsapp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"omnigate/internal/channels"
	"omnigate/internal/channels/graph"
	"omnigate/internal/domain"
	"omnigate/internal/util"
)

type Adapter struct {
	channels.HubVerifier

	Graph  *graph.Client
	Caller *channels.Caller
}

func New(g *graph.Client, c *channels.Caller) *Adapter {
	return &Adapter{Graph: g, Caller: c}
}

func (a *Adapter) Channel() domain.Channel { return domain.ChannelWhatsApp }

// wire format

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         metadata          `json:"metadata"`
	Contacts         []contact         `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type idOnly struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Status string `json:"status"`
}

// messageEvent is the stored payload of one inbound message event.
type messageEvent struct {
	Contact *contact        `json:"contact,omitempty"`
	Message json.RawMessage `json:"message"`
}

type inboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *media `json:"image"`
	Video    *media `json:"video"`
	Audio    *media `json:"audio"`
	Document *media `json:"document"`
	Sticker  *media `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
	Contacts []struct {
		Name struct {
			FormattedName string `json:"formatted_name"`
		} `json:"name"`
	} `json:"contacts"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *reply `json:"button_reply"`
		ListReply   *reply `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Referral *struct {
		SourceURL string `json:"source_url"`
		SourceID  string `json:"source_id"`
		Headline  string `json:"headline"`
	} `json:"referral"`
}

type media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type statusEvent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// Envelope splits a delivery into one event per message, per status and per
// other change. AccountRef is the business phone number id.
func (a *Adapter) Envelope(body []byte) ([]domain.RawEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.NewValidationError("body", "invalid json: "+err.Error())
	}
	if env.Object != "whatsapp_business_account" {
		return nil, domain.NewValidationError("object", fmt.Sprintf("unexpected object %q", env.Object))
	}

	var out []domain.RawEvent
	for _, e := range env.Entry {
		for _, ch := range e.Changes {
			var v changeValue
			if ch.Field != "messages" || json.Unmarshal(ch.Value, &v) != nil || (len(v.Messages) == 0 && len(v.Statuses) == 0) {
				sum := sha256.Sum256(ch.Value)
				out = append(out, domain.RawEvent{
					ID:         "change:" + ch.Field + ":" + hex.EncodeToString(sum[:8]),
					Type:       ch.Field,
					AccountRef: v.Metadata.PhoneNumberID,
					Payload:    ch.Value,
				})
				continue
			}

			for _, raw := range v.Messages {
				var m idOnly
				if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
					out = append(out, channels.MalformedEvent("messages", v.Metadata.PhoneNumberID, raw, "message without id"))
					continue
				}
				ev := messageEvent{Message: raw, Contact: findContact(v.Contacts, m.From)}
				payload, err := json.Marshal(ev)
				if err != nil {
					out = append(out, channels.MalformedEvent("messages", v.Metadata.PhoneNumberID, raw, err.Error()))
					continue
				}
				out = append(out, domain.RawEvent{
					ID:         "message:" + m.ID,
					Type:       "message",
					AccountRef: v.Metadata.PhoneNumberID,
					Payload:    payload,
				})
			}
			for _, raw := range v.Statuses {
				var s idOnly
				if err := json.Unmarshal(raw, &s); err != nil || s.ID == "" {
					out = append(out, channels.MalformedEvent("statuses", v.Metadata.PhoneNumberID, raw, "status without id"))
					continue
				}
				out = append(out, domain.RawEvent{
					ID:         "status:" + s.ID + ":" + s.Status,
					Type:       "status",
					AccountRef: v.Metadata.PhoneNumberID,
					Payload:    raw,
				})
			}
		}
	}
	return out, nil
}

func findContact(cs []contact, waID string) *contact {
	for i := range cs {
		if cs[i].WaID == waID {
			return &cs[i]
		}
	}
	if len(cs) == 1 {
		return &cs[0]
	}
	return nil
}

func (a *Adapter) ParseInbound(ev domain.RawEvent) (domain.NormalizedEvent, error) {
	switch ev.Type {
	case "message":
		return parseMessage(ev.Payload)
	case "status":
		return parseStatus(ev.Payload)
	default:
		return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: ev.Type}, nil
	}
}

func parseMessage(payload []byte) (domain.NormalizedEvent, error) {
	var me messageEvent
	if err := json.Unmarshal(payload, &me); err != nil {
		return domain.NormalizedEvent{}, domain.NewValidationError("message", err.Error())
	}
	var m inboundMessage
	if err := json.Unmarshal(me.Message, &m); err != nil {
		return domain.NormalizedEvent{}, domain.NewValidationError("message", err.Error())
	}
	if m.From == "" || m.ID == "" {
		return domain.NormalizedEvent{}, domain.NewValidationError("message", "missing from or id")
	}

	sender := domain.ContactKey{ExternalID: canonicalSender(m.From)}
	if me.Contact != nil {
		sender.Profile.Name = me.Contact.Profile.Name
	}

	if m.Type == "referral" || (m.Referral != nil && m.Text == nil) {
		return domain.NormalizedEvent{Kind: domain.KindReferral, Subtype: "referral", Sender: sender}, nil
	}

	content, ok := extractContent(m)
	if !ok {
		return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: m.Type, Sender: sender}, nil
	}
	return domain.NormalizedEvent{
		Kind:    domain.KindMessage,
		Subtype: m.Type,
		Sender:  sender,
		Message: &domain.InboundMessage{
			ExternalID: m.ID,
			Content:    content,
			Timestamp:  unixTime(m.Timestamp),
		},
	}, nil
}

func extractContent(m inboundMessage) (domain.Content, bool) {
	switch m.Type {
	case "text":
		if m.Text == nil {
			return domain.Content{}, false
		}
		return domain.Content{Type: "text", Text: m.Text.Body}, true
	case "image", "video", "audio", "document", "sticker":
		md := map[string]*media{"image": m.Image, "video": m.Video, "audio": m.Audio, "document": m.Document, "sticker": m.Sticker}[m.Type]
		if md == nil {
			return domain.Content{}, false
		}
		return domain.Content{Type: m.Type, Text: md.Caption, MediaRef: md.ID, MediaMime: md.MimeType, Filename: md.Filename}, true
	case "location":
		if m.Location == nil {
			return domain.Content{}, false
		}
		return domain.Content{Type: "location", Text: fmt.Sprintf("Location: %g, %g", m.Location.Latitude, m.Location.Longitude)}, true
	case "contacts":
		if len(m.Contacts) == 0 {
			return domain.Content{}, false
		}
		return domain.Content{Type: "contacts", Text: "Contact: " + m.Contacts[0].Name.FormattedName}, true
	case "interactive":
		if m.Interactive == nil {
			return domain.Content{}, false
		}
		r := m.Interactive.ButtonReply
		if r == nil {
			r = m.Interactive.ListReply
		}
		if r == nil {
			return domain.Content{}, false
		}
		return domain.Content{Type: "interactive", Text: r.Title, Payload: r.ID}, true
	case "button":
		if m.Button == nil {
			return domain.Content{}, false
		}
		return domain.Content{Type: "button", Text: m.Button.Text, Payload: m.Button.Payload}, true
	}
	return domain.Content{}, false
}

func parseStatus(payload []byte) (domain.NormalizedEvent, error) {
	var s statusEvent
	if err := json.Unmarshal(payload, &s); err != nil {
		return domain.NormalizedEvent{}, domain.NewValidationError("status", err.Error())
	}
	st, ok := map[string]domain.MessageStatus{
		"sent":      domain.StatusSent,
		"delivered": domain.StatusDelivered,
		"read":      domain.StatusRead,
		"failed":    domain.StatusFailed,
	}[s.Status]
	if !ok {
		return domain.NormalizedEvent{Kind: domain.KindUnrecognized, Subtype: "status:" + s.Status}, nil
	}
	up := domain.StatusUpdate{ExternalMessageID: s.ID, Status: st, Timestamp: unixTime(s.Timestamp)}
	if len(s.Errors) > 0 {
		up.ErrorCode = strconv.Itoa(s.Errors[0].Code)
		up.Reason = s.Errors[0].Title
	}
	return domain.NormalizedEvent{
		Kind:     domain.KindStatus,
		Subtype:  s.Status,
		Sender:   domain.ContactKey{ExternalID: canonicalSender(s.RecipientID)},
		Statuses: []domain.StatusUpdate{up},
	}, nil
}

// canonicalSender keeps the platform's wa_id when it does not canonicalize;
// WhatsApp already sends E.164 digits.
func canonicalSender(id string) string {
	if c, err := util.CanonicalPhone(id); err == nil {
		return c
	}
	return util.DigitsOnly(id)
}

func unixTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func (a *Adapter) ValidateRecipient(recipient string) (string, error) {
	p, err := util.CanonicalPhone(recipient)
	if err != nil {
		return "", domain.NewValidationError("recipient", err.Error())
	}
	return p, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (a *Adapter) Send(ctx context.Context, acct channels.Account, recipient string, c domain.Content) (string, error) {
	to, err := a.ValidateRecipient(recipient)
	if err != nil {
		return "", err
	}
	body, err := outbound(to, c)
	if err != nil {
		return "", err
	}
	if acct.Creds.PhoneNumberID == "" || acct.Creds.AccessToken == "" {
		return "", &domain.DeliveryFailure{Code: "misconfigured", Reason: "account has no phone number id or token"}
	}
	url := acct.Creds.GraphBaseURL() + "/" + acct.Creds.PhoneNumberID + "/messages"

	return channels.Call(ctx, a.Caller, acct.Meta.ID, func(ctx context.Context) (string, error) {
		var out sendResponse
		if err := a.Graph.Do(ctx, "whatsapp.send", http.MethodPost, url, acct.Creds.AccessToken, body, &out); err != nil {
			return "", err
		}
		if len(out.Messages) == 0 || out.Messages[0].ID == "" {
			return "", &domain.DeliveryFailure{Code: "no_message_id", Reason: "platform returned no message id"}
		}
		return out.Messages[0].ID, nil
	})
}

func outbound(to string, c domain.Content) (map[string]any, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	switch {
	case c.Template != nil:
		tpl := map[string]any{
			"name":     c.Template.Name,
			"language": map[string]string{"code": orDefault(c.Template.Language, "en_US")},
		}
		if len(c.Template.Params) > 0 {
			params := make([]map[string]string, 0, len(c.Template.Params))
			for _, p := range c.Template.Params {
				params = append(params, map[string]string{"type": "text", "text": p})
			}
			tpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
		}
		body["type"] = "template"
		body["template"] = tpl
	case c.MediaRef != "":
		kind := c.Type
		switch kind {
		case "image", "video", "audio", "document", "sticker":
		default:
			kind = "document"
		}
		m := map[string]string{}
		if strings.HasPrefix(c.MediaRef, "http://") || strings.HasPrefix(c.MediaRef, "https://") {
			m["link"] = c.MediaRef
		} else {
			m["id"] = c.MediaRef
		}
		if c.Text != "" && kind != "audio" && kind != "sticker" {
			m["caption"] = c.Text
		}
		if kind == "document" && c.Filename != "" {
			m["filename"] = c.Filename
		}
		body["type"] = kind
		body[kind] = m
	case c.Text != "":
		body["type"] = "text"
		body["text"] = map[string]any{"body": c.Text, "preview_url": false}
	default:
		return nil, domain.NewValidationError("content", "empty message")
	}
	return body, nil
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

// MarkRead sends a read receipt for an inbound message.
func (a *Adapter) MarkRead(ctx context.Context, acct channels.Account, externalMessageID string) error {
	url := acct.Creds.GraphBaseURL() + "/" + acct.Creds.PhoneNumberID + "/messages"
	body := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        externalMessageID,
	}
	_, err := channels.Call(ctx, a.Caller, acct.Meta.ID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.Graph.Do(ctx, "whatsapp.mark_read", http.MethodPost, url, acct.Creds.AccessToken, body, nil)
	})
	return err
}
