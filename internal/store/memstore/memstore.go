// Package memstore is an in-process implementation of the persistence port.
// It enforces the same uniqueness constraints as the postgres schema and is
// used by tests and single-process development runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

type eventKey struct{ account, event string }

type contactKey struct {
	account string
	channel domain.Channel
	ext     string
}

type windowKey struct {
	account string
	kind    string
	start   time.Time
}

type eventRow struct {
	ev        domain.WebhookEvent
	claimedAt time.Time
}

type Store struct {
	mu sync.Mutex

	accounts map[string]domain.ChannelAccount
	events   map[eventKey]*eventRow
	contacts map[string]domain.ExternalContact
	threads  map[string]domain.Thread
	messages map[string]domain.Message
	orphans  map[string]domain.OrphanStatus
	attempts []store.SendAttempt
	windows  map[windowKey]int
}

func New() *Store {
	return &Store{
		accounts: map[string]domain.ChannelAccount{},
		events:   map[eventKey]*eventRow{},
		contacts: map[string]domain.ExternalContact{},
		threads:  map[string]domain.Thread{},
		messages: map[string]domain.Message{},
		orphans:  map[string]domain.OrphanStatus{},
		windows:  map[windowKey]int{},
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Accounts

func (s *Store) UpsertAccount(ctx context.Context, a domain.ChannelAccount) (domain.ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.accounts {
		if cur.Channel == a.Channel && cur.ExternalID == a.ExternalID {
			a.ID = id
			a.CreatedAt = cur.CreatedAt
			break
		}
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.ChannelAccount{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAccountByExternalID(ctx context.Context, ch domain.Channel, externalID string) (domain.ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Channel == ch && a.ExternalID == externalID {
			return a, nil
		}
	}
	return domain.ChannelAccount{}, domain.ErrNotFound
}

func (s *Store) ListAccounts(ctx context.Context, ch domain.Channel) ([]domain.ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChannelAccount
	for _, a := range s.accounts {
		if a.Channel == ch {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status, a.StatusReason, a.UpdatedAt = status, reason, now
	s.accounts[id] = a
	return nil
}

// Webhook events

func (s *Store) ClaimWebhookEvent(ctx context.Context, in store.WebhookEventInsert) (store.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{in.AccountID, in.EventID}
	row, ok := s.events[k]
	if !ok {
		s.events[k] = &eventRow{
			ev: domain.WebhookEvent{
				AccountID:  in.AccountID,
				EventID:    in.EventID,
				EventType:  in.EventType,
				Payload:    append([]byte(nil), in.Payload...),
				Status:     domain.EventReceived,
				ReceivedAt: in.ReceivedAt,
			},
			claimedAt: in.ReceivedAt,
		}
		return store.Claim{Acquired: true, Status: domain.EventReceived}, nil
	}

	switch {
	case row.ev.Status.Done():
		row.ev.Status = domain.EventDuplicate
		row.ev.DuplicateCount++
		return store.Claim{Status: row.ev.Status, DuplicateCount: row.ev.DuplicateCount}, nil
	case row.ev.Status == domain.EventFailed,
		row.ev.Status == domain.EventReceived && in.StaleAfter > 0 && row.claimedAt.Before(in.ReceivedAt.Add(-in.StaleAfter)):
		row.ev.Status = domain.EventReceived
		row.ev.Reason = ""
		row.claimedAt = in.ReceivedAt
		return store.Claim{Acquired: true, Status: domain.EventReceived}, nil
	default:
		return store.Claim{Status: row.ev.Status, DuplicateCount: row.ev.DuplicateCount}, nil
	}
}

func (s *Store) MarkWebhookEvent(ctx context.Context, accountID, eventID string, status domain.EventStatus, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.events[eventKey{accountID, eventID}]
	if !ok {
		return domain.ErrNotFound
	}
	row.ev.Status = status
	row.ev.Reason = reason
	t := now
	row.ev.ProcessedAt = &t
	return nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, accountID, eventID string) (domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.events[eventKey{accountID, eventID}]
	if !ok {
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	return row.ev, nil
}

// Contacts

func (s *Store) FindContact(ctx context.Context, accountID string, ch domain.Channel, externalID string) (domain.ExternalContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.AccountID == accountID && c.Channel == ch && c.ExternalID == externalID {
			return c, nil
		}
	}
	return domain.ExternalContact{}, domain.ErrNotFound
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.ExternalContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return domain.ExternalContact{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) InsertContact(ctx context.Context, c domain.ExternalContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[c.ID]; ok {
		return domain.ErrConstraintConflict
	}
	want := contactKey{c.AccountID, c.Channel, c.ExternalID}
	for _, cur := range s.contacts {
		if (contactKey{cur.AccountID, cur.Channel, cur.ExternalID}) == want {
			return domain.ErrConstraintConflict
		}
	}
	s.contacts[c.ID] = c
	return nil
}

func (s *Store) UpdateContactProfile(ctx context.Context, contactID string, p domain.Profile, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Name != "" {
		c.Profile.Name = p.Name
	}
	if p.Locale != "" {
		c.Profile.Locale = p.Locale
	}
	c.UpdatedAt = now
	s.contacts[contactID] = c
	return nil
}

// Threads

func (s *Store) FindOpenThread(ctx context.Context, accountID, contactID string) (domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.AccountID == accountID && t.ContactID == contactID && t.Status == domain.ThreadOpen {
			return t, nil
		}
	}
	return domain.Thread{}, domain.ErrNotFound
}

func (s *Store) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return domain.Thread{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *Store) InsertThread(ctx context.Context, t domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return domain.ErrConstraintConflict
	}
	if t.Status == domain.ThreadOpen {
		for _, cur := range s.threads {
			if cur.AccountID == t.AccountID && cur.ContactID == t.ContactID && cur.Status == domain.ThreadOpen {
				return domain.ErrConstraintConflict
			}
		}
	}
	s.threads[t.ID] = t
	return nil
}

func (s *Store) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return domain.ErrNotFound
	}
	if at.After(t.LastActivityAt) {
		t.LastActivityAt = at
		s.threads[threadID] = t
	}
	return nil
}

func (s *Store) CloseThread(ctx context.Context, threadID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok || t.Status != domain.ThreadOpen {
		return false, nil
	}
	t.Status = domain.ThreadClosed
	c := now
	t.ClosedAt = &c
	s.threads[threadID] = t
	return true, nil
}

// Threads returns every thread of a contact, oldest first.
func (s *Store) Threads(accountID, contactID string) []domain.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Thread
	for _, t := range s.threads {
		if t.AccountID == accountID && t.ContactID == contactID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Messages

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return domain.ErrConstraintConflict
	}
	for _, cur := range s.messages {
		if cur.AccountID != m.AccountID {
			continue
		}
		if cur.IdempotencyKey == m.IdempotencyKey {
			return domain.ErrConstraintConflict
		}
		if m.ExternalID != "" && cur.ExternalID == m.ExternalID {
			return domain.ErrConstraintConflict
		}
	}
	s.messages[m.ID] = m
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *Store) FindMessageByIdempotencyKey(ctx context.Context, accountID, key string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.AccountID == accountID && m.IdempotencyKey == key {
			return m, nil
		}
	}
	return domain.Message{}, domain.ErrNotFound
}

func (s *Store) FindMessageByExternalID(ctx context.Context, accountID, externalID string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.AccountID == accountID && m.ExternalID != "" && m.ExternalID == externalID {
			return m, nil
		}
	}
	return domain.Message{}, domain.ErrNotFound
}

func (s *Store) MarkMessageSent(ctx context.Context, id, externalID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if m.Status != domain.StatusPending {
		return false, nil
	}
	for _, cur := range s.messages {
		if cur.ID != id && cur.AccountID == m.AccountID && cur.ExternalID == externalID {
			return false, domain.ErrConstraintConflict
		}
	}
	t := at
	m.ExternalID = externalID
	m.Status = domain.StatusSent
	m.SentAt = &t
	m.UpdatedAt = at
	s.messages[id] = m
	return true, nil
}

func (s *Store) TransitionMessage(ctx context.Context, in store.StatusTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[in.MessageID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if m.Status != in.From {
		return false, nil
	}
	t := in.At
	m.Status = in.To
	switch in.To {
	case domain.StatusSent:
		m.SentAt = &t
	case domain.StatusDelivered:
		m.DeliveredAt = &t
	case domain.StatusRead:
		m.ReadAt = &t
	case domain.StatusFailed:
		m.FailedAt = &t
	}
	if in.Reason != "" {
		m.StatusReason = in.Reason
	}
	m.UpdatedAt = in.At
	s.messages[in.MessageID] = m
	return true, nil
}

func (s *Store) ListOutboundForContact(ctx context.Context, accountID, contactID string, until time.Time) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.AccountID != accountID || m.Direction != domain.Outbound || m.SentAt == nil || m.SentAt.After(until) {
			continue
		}
		t, ok := s.threads[m.ThreadID]
		if !ok || t.ContactID != contactID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Messages returns every message of a thread, oldest first.
func (s *Store) Messages(threadID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Attempts

func (s *Store) InsertAttempt(ctx context.Context, in store.SendAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, in)
	return nil
}

func (s *Store) Attempts(messageID string) []store.SendAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SendAttempt
	for _, a := range s.attempts {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out
}

// Orphans

func (s *Store) InsertOrphan(ctx context.Context, o domain.OrphanStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.orphans {
		if cur.AccountID == o.AccountID && cur.ExternalMessageID == o.ExternalMessageID && cur.Status == o.Status {
			return false, nil
		}
	}
	s.orphans[o.ID] = o
	return true, nil
}

func (s *Store) GetOrphan(ctx context.Context, id string) (domain.OrphanStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orphans[id]
	if !ok {
		return domain.OrphanStatus{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) ListOrphans(ctx context.Context, accountID, externalMessageID string) ([]domain.OrphanStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrphanStatus
	for _, o := range s.orphans {
		if o.AccountID == accountID && o.ExternalMessageID == externalMessageID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *Store) DeleteOrphan(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orphans, id)
	return nil
}

func (s *Store) BumpOrphan(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orphans[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	o.Attempts++
	s.orphans[id] = o
	return o.Attempts, nil
}

func (s *Store) DeleteExpiredOrphans(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, o := range s.orphans {
		if !o.ExpiresAt.After(now) {
			delete(s.orphans, id)
			n++
		}
	}
	return n, nil
}

// Rate windows

func (s *Store) ReserveSendBudget(ctx context.Context, accountID string, now time.Time, limits domain.RateLimit) (store.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, hour := store.Windows(now)
	sk := windowKey{accountID, "second", sec}
	hk := windowKey{accountID, "hour", hour}
	b := store.Budget{SecondCount: s.windows[sk] + 1, HourCount: s.windows[hk] + 1}
	if b.SecondCount > limits.PerSecond || b.HourCount > limits.PerHour {
		b.SecondCount--
		b.HourCount--
		return b, nil
	}
	s.windows[sk] = b.SecondCount
	s.windows[hk] = b.HourCount
	b.Allowed = true
	return b, nil
}

func (s *Store) SendBudgetUsage(ctx context.Context, accountID string, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, hour := store.Windows(now)
	return s.windows[windowKey{accountID, "second", sec}], s.windows[windowKey{accountID, "hour", hour}], nil
}

func (s *Store) RecordSendBudget(ctx context.Context, accountID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, hour := store.Windows(now)
	s.windows[windowKey{accountID, "second", sec}]++
	s.windows[windowKey{accountID, "hour", hour}]++
	return nil
}
