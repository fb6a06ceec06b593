package pg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"

	"omnigate/internal/domain"
	"omnigate/internal/store"
)

// mapErr translates driver errors into the domain's storage sentinels.
// Every error a Store method returns passes through it.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrConstraintConflict, pgErr.ConstraintName)
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

// unavailable reports errors after which the same statement may succeed on
// retry: lost or refused connections, a closed pool, timeouts, server
// shutdown and transaction conflicts.
func unavailable(err error) bool {
	if errors.Is(err, puddle.ErrClosedPool) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "55P03", // lock_not_available
			pgErr.Code == "57014", // query_canceled
			strings.HasPrefix(pgErr.Code, "57P"), // admin or crash shutdown, cannot connect now
			strings.HasPrefix(pgErr.Code, "08"):  // connection exception
			return true
		}
	}
	return false
}
