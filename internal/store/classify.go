package store

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/dataload/internal/load"
)

// classify wraps err in the loader's error kinds: unique and integrity
// violations become *load.ConstraintError, connection loss, serialization
// failures, deadlocks and timeouts become *load.TransientError. Anything
// else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return &load.ConstraintError{Kind: load.ConstraintUnique, Constraint: pgErr.ConstraintName, Err: err}
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return &load.ConstraintError{Kind: load.ConstraintIntegrity, Constraint: pgErr.ConstraintName, Err: err}
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsTransactionRollback(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgErr.Code == pgerrcode.QueryCanceled,
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow:
			return &load.TransientError{Err: err}
		}
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &load.TransientError{Err: err}
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) {
		return &load.TransientError{Err: err}
	}
	return err
}
