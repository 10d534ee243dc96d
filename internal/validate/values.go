package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// IsNull reports whether a raw value counts as missing: nil, NaN, or a
// string that is empty after trimming whitespace.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	}
	return false
}

// toFloat converts numeric scalars and numeric strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(strings.TrimSpace(x.String()), 64)
		return f, err == nil
	}
	return 0, false
}

func isInteger(v any) bool {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return !math.IsInf(x, 0) && x == math.Trunc(x)
	case float32:
		f := float64(x)
		return !math.IsInf(f, 0) && f == math.Trunc(f)
	case string:
		_, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return err == nil
	}
	return false
}

var boolWords = map[string]bool{
	"true": true, "false": true, "1": true, "0": true, "yes": true, "no": true,
}

func hasType(v any, t ValueType) bool {
	switch t {
	case TypeInteger:
		return isInteger(v)
	case TypeFloat:
		_, ok := toFloat(v)
		return ok
	case TypeBoolean:
		if _, ok := v.(bool); ok {
			return true
		}
		return boolWords[strings.ToLower(strings.TrimSpace(stringify(v)))]
	default:
		_, ok := v.(string)
		return ok
	}
}

func isDate(v any, layout string) bool {
	if _, ok := v.(time.Time); ok {
		return true
	}
	if layout == "" {
		layout = DefaultDateLayout
	}
	_, err := time.Parse(layout, stringify(v))
	return err == nil
}

func inSet(v any, allowed []any) bool {
	fv, numeric := toNumber(v)
	for _, a := range allowed {
		if numeric {
			if fa, ok := toNumber(a); ok && fa == fv {
				return true
			}
			continue
		}
		if a == v {
			return true
		}
	}
	return false
}

// toNumber is toFloat restricted to native numeric types, so "1" and 1 stay
// distinct for set membership.
func toNumber(v any) (float64, bool) {
	switch v.(type) {
	case string, fmt.Stringer:
		return 0, false
	}
	return toFloat(v)
}

// stringify renders a scalar the way it would appear in a text file.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatNumber(x)
	case float32:
		return formatNumber(float64(x))
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// uniqueKey normalises a value for duplicate tracking. Numbers of different
// Go types compare equal; a number and its string spelling do not.
func uniqueKey(v any) string {
	if f, ok := toNumber(v); ok {
		return "n:" + formatNumber(f)
	}
	switch x := v.(type) {
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	}
	return fmt.Sprintf("%T:%v", v, v)
}
