//go:build integration
// +build integration

package pg_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"omnigate/internal/domain"
	"omnigate/internal/store"
	"omnigate/internal/store/pg"
)

func TestClaimWebhookEventLifecycle(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	now := time.Now().UTC()
	in := store.WebhookEventInsert{
		AccountID:  "acc_1",
		EventID:    "message:wamid.1",
		EventType:  "message",
		Payload:    []byte(`{}`),
		ReceivedAt: now,
		StaleAfter: time.Minute,
	}

	c, err := s.ClaimWebhookEvent(ctx, in)
	if err != nil || !c.Acquired {
		t.Fatalf("first claim: %+v %v", c, err)
	}

	c, err = s.ClaimWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if c.Acquired {
		t.Fatalf("in-flight event must not be claimed twice")
	}

	if err := s.MarkWebhookEvent(ctx, in.AccountID, in.EventID, domain.EventProcessed, "", now); err != nil {
		t.Fatalf("mark: %v", err)
	}
	c, err = s.ClaimWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if c.Acquired || c.Status != domain.EventDuplicate || c.DuplicateCount != 1 {
		t.Fatalf("expected duplicate #1, got %+v", c)
	}
}

func TestClaimWebhookEventReclaimsStale(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	t0 := time.Now().UTC().Add(-time.Hour)
	in := store.WebhookEventInsert{AccountID: "acc_1", EventID: "e1", EventType: "message", Payload: []byte(`{}`), ReceivedAt: t0, StaleAfter: 5 * time.Minute}
	if _, err := s.ClaimWebhookEvent(ctx, in); err != nil {
		t.Fatalf("claim: %v", err)
	}

	in.ReceivedAt = t0.Add(10 * time.Minute)
	c, err := s.ClaimWebhookEvent(ctx, in)
	if err != nil || !c.Acquired {
		t.Fatalf("stale claim should be reclaimed: %+v %v", c, err)
	}
}

func TestOneOpenThreadPerContact(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	acct, contact := seedContact(t, s)
	now := time.Now().UTC()
	th := domain.Thread{ID: "thr_1", AccountID: acct.ID, ContactID: contact.ID, Status: domain.ThreadOpen, LastActivityAt: now, CreatedAt: now}
	if err := s.InsertThread(ctx, th); err != nil {
		t.Fatalf("insert thread: %v", err)
	}
	th.ID = "thr_2"
	if err := s.InsertThread(ctx, th); !errors.Is(err, domain.ErrConstraintConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	closed, err := s.CloseThread(ctx, "thr_1", now)
	if err != nil || !closed {
		t.Fatalf("close: %v %v", closed, err)
	}
	if err := s.InsertThread(ctx, th); err != nil {
		t.Fatalf("insert after close: %v", err)
	}
}

func TestTransitionMessageIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	acct, contact := seedContact(t, s)
	now := time.Now().UTC()
	th := domain.Thread{ID: "thr_1", AccountID: acct.ID, ContactID: contact.ID, Status: domain.ThreadOpen, LastActivityAt: now, CreatedAt: now}
	if err := s.InsertThread(ctx, th); err != nil {
		t.Fatalf("insert thread: %v", err)
	}
	m := domain.Message{
		ID: "msg_1", AccountID: acct.ID, ThreadID: th.ID, Direction: domain.Outbound,
		Content: domain.Content{Type: "text", Text: "hi"}, Recipient: "15551234567",
		IdempotencyKey: "k1", Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if ok, err := s.MarkMessageSent(ctx, m.ID, "wamid.1", now); err != nil || !ok {
		t.Fatalf("mark sent: %v %v", ok, err)
	}

	ok, err := s.TransitionMessage(ctx, store.StatusTransition{MessageID: m.ID, From: domain.StatusPending, To: domain.StatusDelivered, At: now})
	if err != nil || ok {
		t.Fatalf("stale from must not apply: %v %v", ok, err)
	}
	ok, err = s.TransitionMessage(ctx, store.StatusTransition{MessageID: m.ID, From: domain.StatusSent, To: domain.StatusDelivered, At: now})
	if err != nil || !ok {
		t.Fatalf("transition: %v %v", ok, err)
	}

	got, err := s.FindMessageByExternalID(ctx, acct.ID, "wamid.1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != domain.StatusDelivered || got.DeliveredAt == nil || got.Content.Text != "hi" {
		t.Fatalf("unexpected message %+v", got)
	}

	if _, err := s.TransitionMessage(ctx, store.StatusTransition{MessageID: "msg_missing", From: domain.StatusSent, To: domain.StatusRead, At: now}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReserveSendBudget(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limits := domain.RateLimit{PerSecond: 2, PerHour: 100}
	for i := 0; i < 2; i++ {
		b, err := s.ReserveSendBudget(ctx, "acc_1", now, limits)
		if err != nil || !b.Allowed {
			t.Fatalf("reserve %d: %+v %v", i, b, err)
		}
	}
	b, err := s.ReserveSendBudget(ctx, "acc_1", now, limits)
	if err != nil || b.Allowed {
		t.Fatalf("third reserve should be denied: %+v %v", b, err)
	}
	sec, hour, err := s.SendBudgetUsage(ctx, "acc_1", now)
	if err != nil || sec != 2 || hour != 2 {
		t.Fatalf("usage: sec=%d hour=%d err=%v", sec, hour, err)
	}
}

func seedContact(t *testing.T, s *pg.Store) (domain.ChannelAccount, domain.ExternalContact) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	acct, err := s.UpsertAccount(ctx, domain.ChannelAccount{
		ID: "acc_1", Channel: domain.ChannelWhatsApp, ExternalID: "PNID", Name: "main",
		Credentials: []byte("sealed"), CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	c := domain.ExternalContact{ID: "ctc_1", AccountID: acct.ID, Channel: acct.Channel, ExternalID: "15551234567", CreatedAt: now, UpdatedAt: now}
	if err := s.InsertContact(ctx, c); err != nil {
		t.Fatalf("insert contact: %v", err)
	}
	return acct, c
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}
	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	return db, func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts += " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
