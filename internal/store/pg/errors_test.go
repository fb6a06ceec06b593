package pg

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
	"github.com/stretchr/testify/assert"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

func TestMapErr(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, domain.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "messages_external_id_key"}, domain.ErrConstraintConflict},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, store.ErrUnavailable},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, store.ErrUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, store.ErrUnavailable},
		{"cannot connect now", &pgconn.PgError{Code: "57P03"}, store.ErrUnavailable},
		{"connection failure", &pgconn.PgError{Code: "08006"}, store.ErrUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, store.ErrUnavailable},
		{"closed pool", puddle.ErrClosedPool, store.ErrUnavailable},
		{"wrapped closed pool", fmt.Errorf("acquire: %w", puddle.ErrClosedPool), store.ErrUnavailable},
		{"deadline", context.DeadlineExceeded, store.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, mapErr(tc.in), tc.want)
		})
	}
}

func TestMapErrLeavesOtherErrorsAlone(t *testing.T) {
	assert.NoError(t, mapErr(nil))

	syntax := &pgconn.PgError{Code: "42601"}
	got := mapErr(syntax)
	assert.Same(t, syntax, got)
	assert.False(t, errors.Is(got, store.ErrUnavailable))

	plain := errors.New("boom")
	assert.Equal(t, plain, mapErr(plain))
}

func TestMapErrKeepsConstraintName(t *testing.T) {
	err := mapErr(&pgconn.PgError{Code: "23505", ConstraintName: "threads_pkey"})
	assert.Contains(t, err.Error(), "threads_pkey")
}
