package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

const messageColumns = `m.id, m.account_id, m.thread_id, m.direction, m.content_json, COALESCE(m.recipient,''),
	COALESCE(m.external_id,''), m.idempotency_key, m.status, COALESCE(m.status_reason,''),
	m.sent_at, m.delivered_at, m.read_at, m.failed_at, m.created_at, m.updated_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m       domain.Message
		content []byte
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.ThreadID, &m.Direction, &content, &m.Recipient,
		&m.ExternalID, &m.IdempotencyKey, &m.Status, &m.StatusReason,
		&m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.FailedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Message{}, mapErr(err)
	}
	if err := json.Unmarshal(content, &m.Content); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	b, err := json.Marshal(m.Content)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO messages (id, account_id, thread_id, direction, content_json, recipient, external_id,
			idempotency_key, status, status_reason, sent_at, delivered_at, read_at, failed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, m.ID, m.AccountID, m.ThreadID, m.Direction, b, nullIfEmpty(m.Recipient), nullIfEmpty(m.ExternalID),
		m.IdempotencyKey, m.Status, nullIfEmpty(m.StatusReason), m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt,
		m.CreatedAt, m.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id=$1`, id))
}

func (s *Store) FindMessageByIdempotencyKey(ctx context.Context, accountID, key string) (domain.Message, error) {
	return scanMessage(s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages m WHERE m.account_id=$1 AND m.idempotency_key=$2
	`, accountID, key))
}

func (s *Store) FindMessageByExternalID(ctx context.Context, accountID, externalID string) (domain.Message, error) {
	return scanMessage(s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages m WHERE m.account_id=$1 AND m.external_id=$2
	`, accountID, externalID))
}

// MarkMessageSent records the platform id of a pending message and moves
// it to sent. It reports false when the message had already left pending.
func (s *Store) MarkMessageSent(ctx context.Context, id, externalID string, at time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET external_id=$2, status='sent', sent_at=$3, updated_at=$3
		WHERE id=$1 AND status='pending'
	`, id, externalID, at)
	if err != nil {
		return false, mapErr(err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	return false, s.messageExists(ctx, id)
}

// TransitionMessage applies a compare-and-set on status. Callers validate
// the transition; storage only guarantees the row still holds From.
func (s *Store) TransitionMessage(ctx context.Context, in store.StatusTransition) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET
			status=$3,
			sent_at      = CASE WHEN $3='sent'      THEN $4 ELSE sent_at END,
			delivered_at = CASE WHEN $3='delivered' THEN $4 ELSE delivered_at END,
			read_at      = CASE WHEN $3='read'      THEN $4 ELSE read_at END,
			failed_at    = CASE WHEN $3='failed'    THEN $4 ELSE failed_at END,
			status_reason=COALESCE($5, status_reason),
			updated_at=$4
		WHERE id=$1 AND status=$2
	`, in.MessageID, string(in.From), string(in.To), in.At, nullIfEmpty(in.Reason))
	if err != nil {
		return false, mapErr(err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	return false, s.messageExists(ctx, in.MessageID)
}

// ListOutboundForContact returns outbound messages to the contact whose
// local sent_at is at or before until, oldest first. Callers comparing with
// platform time widen until themselves.
func (s *Store) ListOutboundForContact(ctx context.Context, accountID, contactID string, until time.Time) ([]domain.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN threads t ON t.id = m.thread_id
		WHERE m.account_id=$1 AND t.contact_id=$2 AND m.direction='outbound'
		  AND m.sent_at IS NOT NULL AND m.sent_at <= $3
		ORDER BY m.created_at
	`, accountID, contactID, until)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) messageExists(ctx context.Context, id string) error {
	var one int
	return mapErr(s.DB.QueryRow(ctx, `SELECT 1 FROM messages WHERE id=$1`, id).Scan(&one))
}
