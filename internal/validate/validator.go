package validate

import (
	"fmt"

	"github.com/JonMunkholm/dataload/internal/ingest"
)

// ValidationError describes one rule failure on one row.
type ValidationError struct {
	Row     int    `json:"row_number"`
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
}

// Result aggregates validation over a set of rows. ValidRows+ErrorRows
// always equals TotalRows; a row with several failures counts once.
type Result struct {
	TotalRows int               `json:"total_rows"`
	ValidRows int               `json:"valid_rows"`
	ErrorRows int               `json:"error_rows"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// ErrorRate is the percentage of rows with at least one error, 0 for an
// empty result.
func (r Result) ErrorRate() float64 {
	if r.TotalRows == 0 {
		return 0
	}
	return float64(r.ErrorRows) / float64(r.TotalRows) * 100
}

// IsValid reports whether no row failed.
func (r Result) IsValid() bool { return r.ErrorRows == 0 }

// Validator evaluates an ordered rule list against rows and tracks unique
// values across every row it has seen since the last Reset. A Validator
// belongs to one job run and is not safe for concurrent use.
type Validator struct {
	rules []Rule
	seen  map[string]map[string]struct{}
}

// New returns a Validator applying rules in declaration order.
func New(rules ...Rule) *Validator {
	v := &Validator{rules: rules}
	v.Reset()
	return v
}

// Rules returns the validator's rules in evaluation order.
func (v *Validator) Rules() []Rule { return v.rules }

// Reset clears uniqueness state. Call it before re-running the same
// validator over a file.
func (v *Validator) Reset() {
	v.seen = make(map[string]map[string]struct{})
	for _, r := range v.rules {
		if u, ok := r.(UniqueRule); ok {
			v.seen[u.Field] = make(map[string]struct{})
		}
	}
}

// ValidateRow returns every failure for row, in rule order. A duplicate
// does not stop other rules from running, and a first-seen unique value is
// recorded even when the row fails other rules.
func (v *Validator) ValidateRow(row ingest.Row) []ValidationError {
	var errs []ValidationError
	var fields map[string]any

	for _, r := range v.rules {
		field := r.FieldName()
		value := row.Value(field)

		var msg string
		if u, ok := r.(UniqueRule); ok {
			msg = v.checkUnique(u, value)
		} else {
			if _, custom := r.(CustomRule); custom && fields == nil {
				fields = row.Map()
			}
			msg = check(r, value, fields)
		}

		if msg != "" {
			errs = append(errs, ValidationError{
				Row:     row.Number,
				Field:   field,
				Value:   value,
				Kind:    classify(r),
				Message: msg,
			})
		}
	}

	return errs
}

func (v *Validator) checkUnique(r UniqueRule, value any) string {
	if IsNull(value) {
		return ""
	}
	seen := v.seen[r.Field]
	if seen == nil {
		seen = make(map[string]struct{})
		v.seen[r.Field] = seen
	}

	key := uniqueKey(value)
	if _, dup := seen[key]; dup {
		return fmt.Sprintf("Duplicate value for %s: %v", r.Field, value)
	}
	seen[key] = struct{}{}
	return ""
}

// ValidateBatch validates rows in order and aggregates the outcome.
func (v *Validator) ValidateBatch(rows []ingest.Row) Result {
	_, res := v.Partition(rows)
	return res
}

// Partition validates rows and also returns the subset with no errors, in
// input order.
func (v *Validator) Partition(rows []ingest.Row) ([]ingest.Row, Result) {
	res := Result{TotalRows: len(rows)}
	valid := make([]ingest.Row, 0, len(rows))

	for _, row := range rows {
		errs := v.ValidateRow(row)
		if len(errs) == 0 {
			valid = append(valid, row)
			continue
		}
		res.ErrorRows++
		res.Errors = append(res.Errors, errs...)
	}

	res.ValidRows = res.TotalRows - res.ErrorRows
	return valid, res
}
