package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/dataload/internal/ingest"
)

// Policy decides what a unique-key collision does in the row-level path.
type Policy string

const (
	// ConflictSkip counts the row as skipped and moves on.
	ConflictSkip Policy = "skip"
	// ConflictUpdate overwrites the existing row's non-key columns when the
	// request has key columns. Without key columns it behaves like skip.
	ConflictUpdate Policy = "update"
	// ConflictError records the collision as a row failure.
	ConflictError Policy = "error"
)

// ParsePolicy validates a policy name. Empty means skip.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ConflictSkip, nil
	case ConflictSkip, ConflictUpdate, ConflictError:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Mode selects the write path.
type Mode string

const (
	ModeRow   Mode = "row"
	ModeBulk  Mode = "bulk"
	ModeMerge Mode = "merge"
)

// ParseMode validates a mode name. Empty means row.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeRow, nil
	case ModeRow, ModeBulk, ModeMerge:
		return m, nil
	default:
		return "", fmt.Errorf("unknown load mode %q", s)
	}
}

// Request describes one load call.
type Request struct {
	Table string

	// Mapping renames source fields to table columns; unmapped fields keep
	// their names. Fields that match no table column are dropped.
	Mapping map[string]string

	// Extra holds constant columns added to every row, such as
	// source_file_id. They are written only when the table has them.
	Extra map[string]any

	Conflict   Policy
	KeyColumns []string
}

// RowError is one failed row. Row is the source row number.
type RowError struct {
	Row     int    `json:"row_number"`
	Message string `json:"message"`
}

// Stats counts load outcomes. Merged is the number of rows a merge
// affected; merges do not report how many of those were inserts.
type Stats struct {
	Inserted int        `json:"inserted"`
	Updated  int        `json:"updated"`
	Skipped  int        `json:"skipped"`
	Errors   int        `json:"errors"`
	Merged   int        `json:"merged"`
	Failures []RowError `json:"-"`
}

// Add sums o's counters into s. Failures are not carried over; callers keep
// their own bounded record of them.
func (s *Stats) Add(o Stats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Errors += o.Errors
	s.Merged += o.Merged
}

func (s *Stats) fail(row int, err error) {
	s.Errors++
	s.Failures = append(s.Failures, RowError{Row: row, Message: err.Error()})
}

// Loader writes batches through a Store.
type Loader struct {
	store Store
	log   *slog.Logger
}

// New returns a Loader over store.
func New(store Store) *Loader {
	return &Loader{store: store, log: slog.Default().With("component", "loader")}
}

// Load dispatches to the path selected by mode.
func (l *Loader) Load(ctx context.Context, mode Mode, req Request, rows []ingest.Row) (Stats, error) {
	switch mode {
	case ModeBulk:
		return l.BulkInsert(ctx, req, rows)
	case ModeMerge:
		return l.Merge(ctx, req, rows)
	default:
		return l.LoadBatch(ctx, req, rows)
	}
}

// LoadBatch writes rows one at a time inside a single transaction. A failed
// row is counted and recorded without affecting its neighbours. Schema
// mismatch, transaction errors and transient storage errors abort the batch
// and are returned.
func (l *Loader) LoadBatch(ctx context.Context, req Request, rows []ingest.Row) (stats Stats, err error) {
	if len(rows) == 0 {
		return stats, nil
	}

	p, err := l.plan(ctx, req, rows)
	if err != nil {
		return stats, err
	}

	sess, err := l.store.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin load of %s: %w", req.Table, err)
	}
	defer func() {
		if err != nil {
			sess.Rollback(context.WithoutCancel(ctx))
		}
	}()

	for _, row := range rows {
		values, cerr := p.values(row)
		if cerr != nil {
			stats.fail(row.Number, cerr)
			continue
		}

		ierr := sess.InsertRow(ctx, p.table, p.columns, values)
		switch {
		case ierr == nil:
			stats.Inserted++

		case IsUniqueViolation(ierr):
			if rerr := l.resolveConflict(ctx, sess, req.Conflict, p, row, values, ierr, &stats); rerr != nil {
				return stats, rerr
			}

		case IsTransient(ierr):
			return stats, ierr

		default:
			stats.fail(row.Number, ierr)
		}
	}

	if err = sess.Commit(ctx); err != nil {
		return stats, fmt.Errorf("commit load of %s: %w", req.Table, err)
	}

	l.log.Debug("batch loaded",
		"table", p.table,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
	)
	return stats, nil
}

// resolveConflict applies policy to a unique-key collision. Only transient
// errors are returned.
func (l *Loader) resolveConflict(ctx context.Context, sess Session, policy Policy, p *plan, row ingest.Row, values []any, cause error, stats *Stats) error {
	switch policy {
	case ConflictSkip, "":
		stats.Skipped++

	case ConflictUpdate:
		if len(p.keys) == 0 {
			stats.Skipped++
			return nil
		}
		n, err := sess.UpdateRow(ctx, p.table, p.columns, p.keys, values)
		switch {
		case err == nil && n > 0:
			stats.Updated++
		case err == nil:
			// collision on a constraint other than the key columns
			stats.Skipped++
		case IsTransient(err):
			return err
		default:
			stats.fail(row.Number, err)
		}

	default:
		stats.fail(row.Number, cause)
	}
	return nil
}

// BulkInsert writes all rows in one batched call. The batch is atomic: on
// failure every row is counted as an error and one failure is recorded
// against the first row. Transient errors are returned instead.
func (l *Loader) BulkInsert(ctx context.Context, req Request, rows []ingest.Row) (Stats, error) {
	var stats Stats
	if len(rows) == 0 {
		return stats, nil
	}

	p, err := l.plan(ctx, req, rows)
	if err != nil {
		return stats, err
	}

	data, err := p.allValues(rows)
	if err != nil {
		stats.rejectBatch(rows, err)
		return stats, nil
	}

	n, err := l.inTx(ctx, func(sess Session) (int64, error) {
		return sess.CopyRows(ctx, p.table, p.columns, data)
	})
	if err != nil {
		if IsTransient(err) {
			return stats, err
		}
		stats.rejectBatch(rows, err)
		return stats, nil
	}

	stats.Inserted = int(n)
	return stats, nil
}

// Merge upserts rows keyed on req.KeyColumns in one server-side operation.
// Within a batch the last row for a key wins. Stats report the affected
// count in Merged only.
func (l *Loader) Merge(ctx context.Context, req Request, rows []ingest.Row) (Stats, error) {
	var stats Stats
	if len(rows) == 0 {
		return stats, nil
	}

	p, err := l.plan(ctx, req, rows)
	if err != nil {
		return stats, err
	}
	if len(p.keys) == 0 || len(p.keys) != len(req.KeyColumns) {
		return stats, fmt.Errorf("%w: %s", ErrMissingKeys, req.Table)
	}

	data, err := p.allValues(rows)
	if err != nil {
		stats.rejectBatch(rows, err)
		return stats, nil
	}
	data, superseded := p.lastPerKey(data)

	n, err := l.inTx(ctx, func(sess Session) (int64, error) {
		return sess.MergeRows(ctx, p.table, p.columns, p.keys, data)
	})
	if err != nil {
		if IsTransient(err) {
			return stats, err
		}
		stats.rejectBatch(rows, err)
		return stats, nil
	}

	stats.Merged = int(n) + superseded
	return stats, nil
}

// lastPerKey collapses rows sharing a key to the last one, in the position
// of the first. A single merge statement may not touch a target row twice.
func (p *plan) lastPerKey(data [][]any) ([][]any, int) {
	idx := make([]int, 0, len(p.keys))
	for _, k := range p.keys {
		for j, c := range p.columns {
			if c == k {
				idx = append(idx, j)
				break
			}
		}
	}

	pos := make(map[string]int, len(data))
	out := make([][]any, 0, len(data))
	var b strings.Builder
	for _, row := range data {
		b.Reset()
		for _, j := range idx {
			fmt.Fprintf(&b, "%v\x00", row[j])
		}
		if i, ok := pos[b.String()]; ok {
			out[i] = row
			continue
		}
		pos[b.String()] = len(out)
		out = append(out, row)
	}
	return out, len(data) - len(out)
}

func (s *Stats) rejectBatch(rows []ingest.Row, err error) {
	s.Errors += len(rows)
	s.Failures = append(s.Failures, RowError{
		Row:     rows[0].Number,
		Message: fmt.Sprintf("batch of %d rows rejected: %v", len(rows), err),
	})
}

func (l *Loader) inTx(ctx context.Context, fn func(Session) (int64, error)) (int64, error) {
	sess, err := l.store.Begin(ctx)
	if err != nil {
		return 0, err
	}

	n, err := fn(sess)
	if err != nil {
		sess.Rollback(context.WithoutCancel(ctx))
		return 0, err
	}
	if err := sess.Commit(ctx); err != nil {
		sess.Rollback(context.WithoutCancel(ctx))
		return 0, err
	}
	return n, nil
}

// plan is the column layout for one call.
type plan struct {
	table   string
	columns []string // table column names, in write order
	fields  []string // row field (post-mapping) per column; "" for extras
	extras  []any    // constant per column, used when fields[i] == ""
	types   []string
	keys    []string
}

// plan introspects the table and lines mapped row fields up with its
// columns, case-insensitively.
func (l *Loader) plan(ctx context.Context, req Request, rows []ingest.Row) (*plan, error) {
	cols, err := l.store.Columns(ctx, req.Table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", req.Table, err)
	}

	byName := make(map[string]Column, len(cols))
	for _, c := range cols {
		byName[strings.ToLower(c.Name)] = c
	}

	p := &plan{table: req.Table}
	used := make(map[string]bool)

	for _, field := range mappedFields(req.Mapping, rows) {
		c, ok := byName[strings.ToLower(field.target)]
		if !ok || used[c.Name] {
			continue
		}
		used[c.Name] = true
		p.columns = append(p.columns, c.Name)
		p.fields = append(p.fields, field.source)
		p.extras = append(p.extras, nil)
		p.types = append(p.types, c.DataType)
	}

	if len(p.columns) == 0 {
		return nil, fmt.Errorf("%w: no mapped columns found in table %s", ErrSchemaMismatch, req.Table)
	}

	for name, v := range req.Extra {
		c, ok := byName[strings.ToLower(name)]
		if !ok || used[c.Name] {
			continue
		}
		used[c.Name] = true
		p.columns = append(p.columns, c.Name)
		p.fields = append(p.fields, "")
		p.extras = append(p.extras, v)
		p.types = append(p.types, c.DataType)
	}

	for _, k := range req.KeyColumns {
		if c, ok := byName[strings.ToLower(k)]; ok && used[c.Name] {
			p.keys = append(p.keys, c.Name)
		}
	}

	return p, nil
}

type fieldPair struct {
	source string
	target string
}

// mappedFields returns each distinct source field across rows, in
// first-seen order, with its mapped name.
func mappedFields(mapping map[string]string, rows []ingest.Row) []fieldPair {
	seen := make(map[string]bool)
	var out []fieldPair
	for _, r := range rows {
		for _, c := range r.Columns {
			if seen[c] {
				continue
			}
			seen[c] = true
			target := c
			if m, ok := mapping[c]; ok && m != "" {
				target = m
			}
			out = append(out, fieldPair{source: c, target: target})
		}
	}
	return out
}

func (p *plan) values(row ingest.Row) ([]any, error) {
	out := make([]any, len(p.columns))
	for i := range p.columns {
		raw := p.extras[i]
		if p.fields[i] != "" {
			raw = row.Value(p.fields[i])
		}
		v, err := convertValue(raw, p.types[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", p.columns[i], err)
		}
		out[i] = v
	}
	return out, nil
}

func (p *plan) allValues(rows []ingest.Row) ([][]any, error) {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		v, err := p.values(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r.Number, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// IsFatal reports whether err from a load call should end the job rather
// than be counted against rows.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) || errors.Is(err, ErrMissingKeys)
}
