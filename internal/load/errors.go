package load

import (
	"errors"
	"fmt"
)

// ErrSchemaMismatch means no mapped column exists in the target table.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ErrMissingKeys means a merge was requested without usable key columns.
var ErrMissingKeys = errors.New("merge requires key columns present in the target table")

// ConstraintKind separates unique-key collisions from other integrity
// violations.
type ConstraintKind int

const (
	ConstraintUnique ConstraintKind = iota
	ConstraintIntegrity
)

func (k ConstraintKind) String() string {
	if k == ConstraintUnique {
		return "unique"
	}
	return "integrity"
}

// ConstraintError is a storage constraint violation on a write.
type ConstraintError struct {
	Kind       ConstraintKind
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s constraint %s violated: %v", e.Kind, e.Constraint, e.Err)
	}
	return fmt.Sprintf("%s constraint violated: %v", e.Kind, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// TransientError is a storage failure worth retrying: lost connections,
// serialization failures, deadlocks, timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsUniqueViolation reports whether err is a unique-key collision.
func IsUniqueViolation(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce) && ce.Kind == ConstraintUnique
}

// IsTransient reports whether err is marked retryable by the store.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
