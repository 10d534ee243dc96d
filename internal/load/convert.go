package load

// convert.go turns raw ingested values into parameters for the target
// column's type. Spreadsheet exports are messy, so strings are cleaned first:
//
//   - dates in ISO, US and dotted layouts, with 2-digit year pivoting
//   - numbers with currency symbols, thousands separators or (accounting) negatives
//   - booleans spelled true/false, yes/no, t/f, y/n, 1/0
//
// Null-like input becomes a nil parameter. Input that cannot be converted is
// an error for that row.

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/dataload/internal/validate"
)

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot: a 2-digit year landing more than this many years in
// the future is moved back a century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
	timestampLayouts = []string{
		time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04",
	}
)

// columnKind buckets information_schema data types.
type columnKind int

const (
	kindText columnKind = iota
	kindInteger
	kindNumeric
	kindBool
	kindDate
	kindTimestamp
	kindUUID
)

func kindOf(dataType string) columnKind {
	dt := strings.ToLower(dataType)
	switch {
	case dt == "smallint" || dt == "integer" || dt == "bigint" || dt == "int2" || dt == "int4" || dt == "int8":
		return kindInteger
	case dt == "numeric" || dt == "decimal" || dt == "real" || dt == "double precision" || strings.HasPrefix(dt, "float"):
		return kindNumeric
	case dt == "boolean" || dt == "bool":
		return kindBool
	case dt == "date":
		return kindDate
	case strings.HasPrefix(dt, "timestamp"):
		return kindTimestamp
	case dt == "uuid":
		return kindUUID
	default:
		return kindText
	}
}

// convertValue converts v for a column of the given data type.
func convertValue(v any, dataType string) (any, error) {
	if validate.IsNull(v) {
		return nil, nil
	}

	switch kindOf(dataType) {
	case kindInteger:
		return toInteger(v)
	case kindNumeric:
		switch x := v.(type) {
		case float64, float32, int, int32, int64:
			return x, nil
		}
		n := ToPgNumeric(fmt.Sprint(v))
		if !n.Valid {
			return nil, fmt.Errorf("invalid number %q", fmt.Sprint(v))
		}
		return n, nil
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		b := ToPgBool(fmt.Sprint(v))
		if !b.Valid {
			return nil, fmt.Errorf("invalid boolean %q", fmt.Sprint(v))
		}
		return b, nil
	case kindDate:
		if t, ok := v.(time.Time); ok {
			return pgtype.Date{Time: t, Valid: true}, nil
		}
		d := ToPgDate(fmt.Sprint(v))
		if !d.Valid {
			return nil, fmt.Errorf("invalid date %q", fmt.Sprint(v))
		}
		return d, nil
	case kindTimestamp:
		return toTimestamp(v)
	case kindUUID:
		u := ToPgUUID(fmt.Sprint(v))
		if !u.Valid {
			return nil, fmt.Errorf("invalid uuid %q", fmt.Sprint(v))
		}
		return u, nil
	default:
		return ToPgText(textOf(v)), nil
	}
}

func textOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func toInteger(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("invalid integer %v", x)
		}
		return int64(x), nil
	}

	s := strings.ReplaceAll(strings.TrimSpace(fmt.Sprint(v)), ",", "")
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid integer %q", fmt.Sprint(v))
	}
	return i, nil
}

func toTimestamp(v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return pgtype.Timestamptz{Time: t, Valid: true}, nil
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Timestamptz{Time: t, Valid: true}, nil
		}
	}
	if d := ToPgDate(s); d.Valid {
		return pgtype.Timestamptz{Time: d.Time, Valid: true}, nil
	}
	return nil, fmt.Errorf("invalid date %q", s)
}

// ToPgText converts a string to pgtype.Text, invalid when blank.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate parses s with the known layouts, 4-digit years first.
func ToPgDate(s string) pgtype.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Date{}
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	return pgtype.Date{}
}

// ToPgNumeric strips currency symbols and separators and parses the rest.
// "(12.50)" is read as -12.50.
func ToPgNumeric(s string) pgtype.Numeric {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Numeric{}
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return pgtype.Numeric{}
	}

	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}
	}
	return n
}

// ToPgBool accepts true/false, yes/no, t/f, y/n and 1/0 in any case.
func ToPgBool(s string) pgtype.Bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0":
		return pgtype.Bool{Bool: false, Valid: true}
	}
	return pgtype.Bool{}
}

// ToPgUUID parses s as a UUID.
func ToPgUUID(s string) pgtype.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}
