// Package load persists validated rows into a target table.
//
// Three paths are offered. LoadBatch writes row by row so one bad row never
// sinks its batch, resolving unique-key conflicts per Policy. BulkInsert
// sends a whole batch in one call and is atomic per batch. Merge upserts a
// batch keyed on KeyColumns in one server-side statement.
//
// The Loader keeps no state between calls; the Store owns connections.
package load

import "context"

// Column is a table column as reported by the store.
type Column struct {
	Name     string
	DataType string
}

// Store is the storage collaborator the loader writes through.
type Store interface {
	// Columns lists a table's columns in ordinal order. An unknown table
	// yields an empty list.
	Columns(ctx context.Context, table string) ([]Column, error)

	// Begin opens a transaction scope.
	Begin(ctx context.Context) (Session, error)
}

// Session is one transaction scope. Row-level calls must leave the session
// usable after a failed row.
type Session interface {
	// InsertRow writes a single row.
	InsertRow(ctx context.Context, table string, columns []string, values []any) error

	// UpdateRow updates the row matching keys with the non-key values and
	// returns the number of rows changed.
	UpdateRow(ctx context.Context, table string, columns, keys []string, values []any) (int64, error)

	// CopyRows writes every row in one batched call. Either all rows land
	// or none do.
	CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// MergeRows inserts rows whose keys are new and updates the rest, in
	// one server-side operation. It returns the number of rows affected.
	MergeRows(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
