// Package validate applies ordered, rule-based checks to ingested rows.
//
// The rule set is closed: every rule is one of the concrete *Rule types in
// this file, and classify maps each to a fixed error Kind with an exhaustive
// type switch. Null values (nil, NaN, or whitespace-only strings) bypass every
// rule except Required.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindRequired  Kind = "REQUIRED"
	KindFormat    Kind = "FORMAT"
	KindRange     Kind = "RANGE"
	KindType      Kind = "TYPE"
	KindCustom    Kind = "CUSTOM"
	KindDuplicate Kind = "DUPLICATE"
)

// Rule is a single check on one field. The interface is sealed; the
// concrete types below are the only implementations.
type Rule interface {
	FieldName() string
	sealed()
}

// ValueType is the target of a Type rule.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
)

func (t ValueType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "number"
	case TypeBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// RequiredRule rejects null values.
type RequiredRule struct {
	Field   string
	Message string
}

// TypeRule checks that a value is, or parses as, the expected type.
type TypeRule struct {
	Field   string
	Type    ValueType
	Message string
}

// RangeRule checks inclusive numeric bounds. A nil bound is open.
type RangeRule struct {
	Field   string
	Min     *float64
	Max     *float64
	Message string
}

// PatternRule requires the string form of a value to match Pattern at its start.
type PatternRule struct {
	Field   string
	Pattern *regexp.Regexp
	Message string
}

// EmailRule checks for a plausible email address.
type EmailRule struct {
	Field   string
	Message string
}

// DateRule checks that a value parses with Layout (Go reference layout).
type DateRule struct {
	Field   string
	Layout  string
	Message string
}

// EnumRule restricts a value to a fixed set.
type EnumRule struct {
	Field   string
	Allowed []any
	Message string
}

// CustomRule delegates to Check, which receives the value and the whole row.
type CustomRule struct {
	Field   string
	Check   func(value any, row map[string]any) bool
	Message string
}

// UniqueRule rejects values already seen for the field during the current run.
type UniqueRule struct {
	Field string
}

func (r RequiredRule) FieldName() string { return r.Field }
func (r TypeRule) FieldName() string     { return r.Field }
func (r RangeRule) FieldName() string    { return r.Field }
func (r PatternRule) FieldName() string  { return r.Field }
func (r EmailRule) FieldName() string    { return r.Field }
func (r DateRule) FieldName() string     { return r.Field }
func (r EnumRule) FieldName() string     { return r.Field }
func (r CustomRule) FieldName() string   { return r.Field }
func (r UniqueRule) FieldName() string   { return r.Field }

func (RequiredRule) sealed() {}
func (TypeRule) sealed()     {}
func (RangeRule) sealed()    {}
func (PatternRule) sealed()  {}
func (EmailRule) sealed()    {}
func (DateRule) sealed()     {}
func (EnumRule) sealed()     {}
func (CustomRule) sealed()   {}
func (UniqueRule) sealed()   {}

// emailPattern is anchored at both ends.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// DefaultDateLayout is YYYY-MM-DD.
const DefaultDateLayout = "2006-01-02"

// Required returns a RequiredRule for field.
func Required(field string) Rule { return RequiredRule{Field: field} }

// IsType returns a TypeRule for field.
func IsType(field string, t ValueType) Rule { return TypeRule{Field: field, Type: t} }

// Between returns a RangeRule with both bounds.
func Between(field string, min, max float64) Rule {
	return RangeRule{Field: field, Min: &min, Max: &max}
}

// AtLeast returns a RangeRule with only a lower bound.
func AtLeast(field string, min float64) Rule { return RangeRule{Field: field, Min: &min} }

// AtMost returns a RangeRule with only an upper bound.
func AtMost(field string, max float64) Rule { return RangeRule{Field: field, Max: &max} }

// Pattern compiles expr into a PatternRule. Like the other constructors it
// is meant for static rule sets and panics on a bad expression; use
// NewPattern for caller-supplied input.
func Pattern(field, expr, message string) Rule {
	r, err := NewPattern(field, expr, message)
	if err != nil {
		panic(err)
	}
	return r
}

// NewPattern compiles expr into a PatternRule. The match is anchored at the
// start of the value only, so an expression without a trailing $ accepts
// any suffix.
func NewPattern(field, expr, message string) (PatternRule, error) {
	re, err := regexp.Compile(`^(?:` + expr + `)`)
	if err != nil {
		return PatternRule{}, fmt.Errorf("pattern for %s: %w", field, err)
	}
	return PatternRule{Field: field, Pattern: re, Message: message}, nil
}

// Email returns an EmailRule for field.
func Email(field string) Rule { return EmailRule{Field: field} }

// Date returns a DateRule for field. An empty layout means YYYY-MM-DD.
func Date(field, layout string) Rule { return DateRule{Field: field, Layout: layout} }

// OneOf returns an EnumRule for field.
func OneOf(field string, allowed ...any) Rule { return EnumRule{Field: field, Allowed: allowed} }

// Custom returns a CustomRule for field.
func Custom(field string, check func(any, map[string]any) bool, message string) Rule {
	return CustomRule{Field: field, Check: check, Message: message}
}

// Unique returns a UniqueRule for field.
func Unique(field string) Rule { return UniqueRule{Field: field} }

// classify returns the fixed error kind for a rule.
func classify(r Rule) Kind {
	switch r.(type) {
	case RequiredRule:
		return KindRequired
	case PatternRule, EmailRule, DateRule, EnumRule:
		return KindFormat
	case RangeRule:
		return KindRange
	case TypeRule:
		return KindType
	case CustomRule:
		return KindCustom
	case UniqueRule:
		return KindDuplicate
	default:
		panic(fmt.Sprintf("validate: unknown rule type %T", r))
	}
}

// check evaluates a stateless rule against a value and returns the failure
// message, or "" when the value passes. UniqueRule is handled by the
// Validator because it needs run state.
func check(r Rule, value any, row map[string]any) string {
	if _, ok := r.(RequiredRule); !ok && IsNull(value) {
		return ""
	}

	switch r := r.(type) {
	case RequiredRule:
		if IsNull(value) {
			return or(r.Message, r.Field+" is required")
		}
	case TypeRule:
		if !hasType(value, r.Type) {
			if r.Type == TypeString {
				return or(r.Message, r.Field+" must be text")
			}
			return or(r.Message, fmt.Sprintf("%s must be %s", r.Field, article(r.Type)))
		}
	case RangeRule:
		n, ok := toFloat(value)
		if !ok {
			return r.Field + " must be numeric for range validation"
		}
		if r.Min != nil && n < *r.Min {
			return or(r.Message, fmt.Sprintf("%s must be at least %s", r.Field, formatNumber(*r.Min)))
		}
		if r.Max != nil && n > *r.Max {
			return or(r.Message, fmt.Sprintf("%s must be at most %s", r.Field, formatNumber(*r.Max)))
		}
	case PatternRule:
		if r.Pattern == nil || !r.Pattern.MatchString(stringify(value)) {
			return or(r.Message, r.Field+" does not match expected pattern")
		}
	case EmailRule:
		if !emailPattern.MatchString(stringify(value)) {
			return or(r.Message, r.Field+" must be a valid email address")
		}
	case DateRule:
		if !isDate(value, r.Layout) {
			layout := r.Layout
			if layout == "" {
				layout = DefaultDateLayout
			}
			return or(r.Message, fmt.Sprintf("%s must be a valid date (%s)", r.Field, layout))
		}
	case EnumRule:
		if !inSet(value, r.Allowed) {
			names := make([]string, len(r.Allowed))
			for i, a := range r.Allowed {
				names[i] = fmt.Sprint(a)
			}
			return or(r.Message, fmt.Sprintf("%s must be one of: %s", r.Field, strings.Join(names, ", ")))
		}
	case CustomRule:
		if r.Check != nil && !r.Check(value, row) {
			return or(r.Message, r.Field+" failed custom validation")
		}
	case UniqueRule:
	default:
		panic(fmt.Sprintf("validate: unknown rule type %T", r))
	}
	return ""
}

func or(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func article(t ValueType) string {
	if t == TypeInteger {
		return "an integer"
	}
	return "a " + t.String()
}
