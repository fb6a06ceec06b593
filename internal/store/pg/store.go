package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return mapErr(s.DB.Ping(ctx)) }

const accountColumns = `id, channel, external_id, name, credentials, status, COALESCE(status_reason,''),
	rate_per_sec, rate_per_hour, auto_mark_read, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.ChannelAccount, error) {
	var a domain.ChannelAccount
	err := row.Scan(&a.ID, &a.Channel, &a.ExternalID, &a.Name, &a.Credentials, &a.Status, &a.StatusReason,
		&a.RateLimit.PerSecond, &a.RateLimit.PerHour, &a.AutoMarkRead, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.ChannelAccount{}, mapErr(err)
	}
	return a, nil
}

// UpsertAccount inserts or refreshes an account keyed by (channel, external_id).
// The returned account carries the id that storage kept.
func (s *Store) UpsertAccount(ctx context.Context, a domain.ChannelAccount) (domain.ChannelAccount, error) {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO channel_accounts (id, channel, external_id, name, credentials, status, status_reason,
			rate_per_sec, rate_per_hour, auto_mark_read, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (channel, external_id) DO UPDATE SET
			name=EXCLUDED.name, credentials=EXCLUDED.credentials, status=EXCLUDED.status,
			status_reason=EXCLUDED.status_reason, rate_per_sec=EXCLUDED.rate_per_sec,
			rate_per_hour=EXCLUDED.rate_per_hour, auto_mark_read=EXCLUDED.auto_mark_read,
			updated_at=EXCLUDED.updated_at
		RETURNING `+accountColumns,
		a.ID, a.Channel, a.ExternalID, a.Name, a.Credentials, a.Status, nullIfEmpty(a.StatusReason),
		a.RateLimit.PerSecond, a.RateLimit.PerHour, a.AutoMarkRead, a.CreatedAt, a.UpdatedAt)
	return scanAccount(row)
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.ChannelAccount, error) {
	return scanAccount(s.DB.QueryRow(ctx, `SELECT `+accountColumns+` FROM channel_accounts WHERE id=$1`, id))
}

func (s *Store) GetAccountByExternalID(ctx context.Context, ch domain.Channel, externalID string) (domain.ChannelAccount, error) {
	return scanAccount(s.DB.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE channel=$1 AND external_id=$2`, ch, externalID))
}

func (s *Store) ListAccounts(ctx context.Context, ch domain.Channel) ([]domain.ChannelAccount, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+accountColumns+` FROM channel_accounts WHERE channel=$1 ORDER BY id`, ch)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.ChannelAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string, now time.Time) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE channel_accounts SET status=$2, status_reason=$3, updated_at=$4 WHERE id=$1
	`, id, status, nullIfEmpty(reason), now)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimWebhookEvent records a webhook event and decides who processes it.
// A new row is acquired. A failed row, or a received row whose claim is
// older than StaleAfter, is reclaimed. A finished row becomes a duplicate.
func (s *Store) ClaimWebhookEvent(ctx context.Context, in store.WebhookEventInsert) (store.Claim, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (account_id, event_id, event_type, payload, status, received_at, claimed_at)
		VALUES ($1,$2,$3,$4,'received',$5,$5)
		ON CONFLICT (account_id, event_id) DO NOTHING
	`, in.AccountID, in.EventID, in.EventType, in.Payload, in.ReceivedAt)
	if err != nil {
		return store.Claim{}, mapErr(err)
	}
	if ct.RowsAffected() > 0 {
		return store.Claim{Acquired: true, Status: domain.EventReceived}, nil
	}

	var staleBefore time.Time
	if in.StaleAfter > 0 {
		staleBefore = in.ReceivedAt.Add(-in.StaleAfter)
	}
	ct, err = s.DB.Exec(ctx, `
		UPDATE webhook_events SET status='received', reason=NULL, claimed_at=$3
		WHERE account_id=$1 AND event_id=$2
		  AND (status='failed' OR (status='received' AND claimed_at < $4))
	`, in.AccountID, in.EventID, in.ReceivedAt, staleBefore)
	if err != nil {
		return store.Claim{}, mapErr(err)
	}
	if ct.RowsAffected() > 0 {
		return store.Claim{Acquired: true, Status: domain.EventReceived}, nil
	}

	var c store.Claim
	err = s.DB.QueryRow(ctx, `
		UPDATE webhook_events SET status='duplicate', duplicate_count=duplicate_count+1
		WHERE account_id=$1 AND event_id=$2 AND status IN ('processed','duplicate')
		RETURNING status, duplicate_count
	`, in.AccountID, in.EventID).Scan(&c.Status, &c.DuplicateCount)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.Claim{}, mapErr(err)
	}

	// still in flight elsewhere
	err = s.DB.QueryRow(ctx, `
		SELECT status, duplicate_count FROM webhook_events WHERE account_id=$1 AND event_id=$2
	`, in.AccountID, in.EventID).Scan(&c.Status, &c.DuplicateCount)
	return c, mapErr(err)
}

func (s *Store) MarkWebhookEvent(ctx context.Context, accountID, eventID string, status domain.EventStatus, reason string, now time.Time) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET status=$3, reason=$4, processed_at=$5 WHERE account_id=$1 AND event_id=$2
	`, accountID, eventID, status, nullIfEmpty(reason), now)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, accountID, eventID string) (domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := s.DB.QueryRow(ctx, `
		SELECT account_id, event_id, event_type, payload, status, COALESCE(reason,''), duplicate_count, received_at, processed_at
		FROM webhook_events WHERE account_id=$1 AND event_id=$2
	`, accountID, eventID).Scan(&ev.AccountID, &ev.EventID, &ev.EventType, &ev.Payload, &ev.Status, &ev.Reason,
		&ev.DuplicateCount, &ev.ReceivedAt, &ev.ProcessedAt)
	if err != nil {
		return domain.WebhookEvent{}, mapErr(err)
	}
	return ev, nil
}

// Attempts

func (s *Store) InsertAttempt(ctx context.Context, in store.SendAttempt) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO send_attempts (message_id, channel, external_id, attempt, http_status, error_code, error_msg, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, in.MessageID, in.Channel, nullIfEmpty(in.ExternalID), in.Attempt, in.HTTPStatus,
		nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMsg), in.At)
	return mapErr(err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
