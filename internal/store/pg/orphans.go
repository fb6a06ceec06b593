package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

const orphanColumns = `id, account_id, external_message_id, status, COALESCE(reason,''), occurred_at, attempts, expires_at, created_at`

// InsertOrphan parks a status update for an unknown message. A second
// update with the same (account, external id, status) is ignored.
func (s *Store) InsertOrphan(ctx context.Context, o domain.OrphanStatus) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO orphan_statuses (id, account_id, external_message_id, status, reason, occurred_at, attempts, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (account_id, external_message_id, status) DO NOTHING
	`, o.ID, o.AccountID, o.ExternalMessageID, o.Status, nullIfEmpty(o.Reason), o.OccurredAt, o.Attempts, o.ExpiresAt, o.CreatedAt)
	if err != nil {
		return false, mapErr(err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetOrphan(ctx context.Context, id string) (domain.OrphanStatus, error) {
	var o domain.OrphanStatus
	err := s.DB.QueryRow(ctx, `SELECT `+orphanColumns+` FROM orphan_statuses WHERE id=$1`, id).Scan(
		&o.ID, &o.AccountID, &o.ExternalMessageID, &o.Status, &o.Reason, &o.OccurredAt, &o.Attempts, &o.ExpiresAt, &o.CreatedAt)
	if err != nil {
		return domain.OrphanStatus{}, mapErr(err)
	}
	return o, nil
}

func (s *Store) ListOrphans(ctx context.Context, accountID, externalMessageID string) ([]domain.OrphanStatus, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+orphanColumns+` FROM orphan_statuses
		WHERE account_id=$1 AND external_message_id=$2 ORDER BY occurred_at
	`, accountID, externalMessageID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.OrphanStatus
	for rows.Next() {
		var o domain.OrphanStatus
		if err := rows.Scan(&o.ID, &o.AccountID, &o.ExternalMessageID, &o.Status, &o.Reason,
			&o.OccurredAt, &o.Attempts, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, o)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) DeleteOrphan(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM orphan_statuses WHERE id=$1`, id)
	return mapErr(err)
}

func (s *Store) BumpOrphan(ctx context.Context, id string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		UPDATE orphan_statuses SET attempts=attempts+1 WHERE id=$1 RETURNING attempts
	`, id).Scan(&n)
	return n, mapErr(err)
}

func (s *Store) DeleteExpiredOrphans(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM orphan_statuses WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, mapErr(err)
	}
	return ct.RowsAffected(), nil
}

// ReserveSendBudget counts one send against the account's second and hour
// windows. Both increments commit together or not at all.
func (s *Store) ReserveSendBudget(ctx context.Context, accountID string, now time.Time, limits domain.RateLimit) (store.Budget, error) {
	sec, hour := store.Windows(now)
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.Budget{}, mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var b store.Budget
	if err := tx.QueryRow(ctx, bumpWindow, accountID, "second", sec).Scan(&b.SecondCount); err != nil {
		return store.Budget{}, mapErr(err)
	}
	if err := tx.QueryRow(ctx, bumpWindow, accountID, "hour", hour).Scan(&b.HourCount); err != nil {
		return store.Budget{}, mapErr(err)
	}

	if b.SecondCount > limits.PerSecond || b.HourCount > limits.PerHour {
		// rollback undoes both increments
		b.SecondCount--
		b.HourCount--
		return b, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Budget{}, mapErr(err)
	}
	b.Allowed = true
	return b, nil
}

func (s *Store) SendBudgetUsage(ctx context.Context, accountID string, now time.Time) (int, int, error) {
	sec, hour := store.Windows(now)
	var secCount, hourCount int
	err := s.DB.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT count FROM rate_limit_windows WHERE account_id=$1 AND window_kind='second' AND window_start=$2), 0),
			COALESCE((SELECT count FROM rate_limit_windows WHERE account_id=$1 AND window_kind='hour' AND window_start=$3), 0)
	`, accountID, sec, hour).Scan(&secCount, &hourCount)
	return secCount, hourCount, mapErr(err)
}

func (s *Store) RecordSendBudget(ctx context.Context, accountID string, now time.Time) error {
	sec, hour := store.Windows(now)
	batch := &pgx.Batch{}
	batch.Queue(bumpWindow, accountID, "second", sec)
	batch.Queue(bumpWindow, accountID, "hour", hour)
	br := s.DB.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < 2; i++ {
		if _, err := br.Exec(); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

const bumpWindow = `
	INSERT INTO rate_limit_windows (account_id, window_kind, window_start, count)
	VALUES ($1,$2,$3,1)
	ON CONFLICT (account_id, window_kind, window_start)
	DO UPDATE SET count = rate_limit_windows.count + 1
	RETURNING count`
