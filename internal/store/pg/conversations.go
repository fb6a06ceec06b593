package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"omnigate/internal/domain"
)

const contactColumns = `id, account_id, channel, external_id, COALESCE(name,''), COALESCE(locale,''),
	COALESCE(customer_id,''), created_at, updated_at`

func scanContact(row pgx.Row) (domain.ExternalContact, error) {
	var c domain.ExternalContact
	err := row.Scan(&c.ID, &c.AccountID, &c.Channel, &c.ExternalID, &c.Profile.Name, &c.Profile.Locale,
		&c.CustomerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.ExternalContact{}, mapErr(err)
	}
	return c, nil
}

func (s *Store) FindContact(ctx context.Context, accountID string, ch domain.Channel, externalID string) (domain.ExternalContact, error) {
	return scanContact(s.DB.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM external_contacts WHERE account_id=$1 AND channel=$2 AND external_id=$3
	`, accountID, ch, externalID))
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.ExternalContact, error) {
	return scanContact(s.DB.QueryRow(ctx, `SELECT `+contactColumns+` FROM external_contacts WHERE id=$1`, id))
}

func (s *Store) InsertContact(ctx context.Context, c domain.ExternalContact) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO external_contacts (id, account_id, channel, external_id, name, locale, customer_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.AccountID, c.Channel, c.ExternalID, nullIfEmpty(c.Profile.Name), nullIfEmpty(c.Profile.Locale),
		nullIfEmpty(c.CustomerID), c.CreatedAt, c.UpdatedAt)
	return mapErr(err)
}

// UpdateContactProfile overwrites only the non-empty profile fields.
func (s *Store) UpdateContactProfile(ctx context.Context, contactID string, p domain.Profile, now time.Time) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE external_contacts
		SET name=COALESCE($2,name), locale=COALESCE($3,locale), updated_at=$4
		WHERE id=$1
	`, contactID, nullIfEmpty(p.Name), nullIfEmpty(p.Locale), now)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const threadColumns = `id, account_id, contact_id, thread_key, status, last_activity_at, created_at, closed_at`

func scanThread(row pgx.Row) (domain.Thread, error) {
	var t domain.Thread
	err := row.Scan(&t.ID, &t.AccountID, &t.ContactID, &t.Key, &t.Status, &t.LastActivityAt, &t.CreatedAt, &t.ClosedAt)
	if err != nil {
		return domain.Thread{}, mapErr(err)
	}
	return t, nil
}

func (s *Store) FindOpenThread(ctx context.Context, accountID, contactID string) (domain.Thread, error) {
	return scanThread(s.DB.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM threads WHERE account_id=$1 AND contact_id=$2 AND status='open'
	`, accountID, contactID))
}

func (s *Store) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	return scanThread(s.DB.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, id))
}

// InsertThread fails with domain.ErrConstraintConflict when the contact
// already has an open thread on the account.
func (s *Store) InsertThread(ctx context.Context, t domain.Thread) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO threads (id, account_id, contact_id, thread_key, status, last_activity_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, t.ID, t.AccountID, t.ContactID, t.Key, t.Status, t.LastActivityAt, t.CreatedAt)
	return mapErr(err)
}

func (s *Store) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE threads SET last_activity_at=GREATEST(last_activity_at, $2) WHERE id=$1
	`, threadID, at)
	return mapErr(err)
}

func (s *Store) CloseThread(ctx context.Context, threadID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE threads SET status='closed', closed_at=$2 WHERE id=$1 AND status='open'
	`, threadID, now)
	if err != nil {
		return false, mapErr(err)
	}
	return ct.RowsAffected() > 0, nil
}
