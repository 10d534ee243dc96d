package ingest

import (
	"fmt"
	"strings"
)

// Row is one data record. Number is the 1-based position of the row within
// its source file, header excluded, and is stable across batch boundaries.
type Row struct {
	Number  int
	Columns []string
	Values  []any
}

// Get returns the raw value for a field. Missing fields report ok=false and
// a nil value.
func (r Row) Get(field string) (any, bool) {
	for i, c := range r.Columns {
		if c == field {
			if i < len(r.Values) {
				return r.Values[i], true
			}
			return nil, true
		}
	}
	return nil, false
}

// Value is Get without the presence flag.
func (r Row) Value(field string) any {
	v, _ := r.Get(field)
	return v
}

// Map returns the row as a field -> value map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		if i < len(r.Values) {
			m[c] = r.Values[i]
		} else {
			m[c] = nil
		}
	}
	return m
}

// String renders the row in column order, e.g. {code: C1, name: <nil>}.
// Used for raw-row snapshots in stored error records.
func (r Row) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		var v any
		if i < len(r.Values) {
			v = r.Values[i]
		}
		fmt.Fprintf(&b, "%s: %v", c, v)
	}
	b.WriteByte('}')
	return b.String()
}

// Batch is a bounded, contiguous run of rows. Index is 0-based.
// The last batch of a file may hold fewer rows than the configured size.
type Batch struct {
	Index int
	Rows  []Row
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int { return len(b.Rows) }
