package validate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/dataload/internal/ingest"
)

func row(n int, kv ...any) ingest.Row {
	r := ingest.Row{Number: n}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Columns = append(r.Columns, kv[i].(string))
		r.Values = append(r.Values, kv[i+1])
	}
	return r
}

func messages(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Message
	}
	return out
}

func TestRequired(t *testing.T) {
	v := New(Required("name"))

	tests := []struct {
		name  string
		value any
		fails bool
	}{
		{"present", "Alice", false},
		{"nil", nil, true},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"nan", math.NaN(), true},
		{"zero is a value", int64(0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.ValidateRow(row(1, "name", tt.value))
			if !tt.fails {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, KindRequired, errs[0].Kind)
			assert.Equal(t, "name is required", errs[0].Message)
		})
	}

	t.Run("missing column", func(t *testing.T) {
		errs := v.ValidateRow(row(1, "other", "x"))
		require.Len(t, errs, 1)
		assert.Equal(t, KindRequired, errs[0].Kind)
	})
}

func TestNullBypassesNonRequiredRules(t *testing.T) {
	v := New(
		IsType("n", TypeInteger),
		Between("n", 0, 1),
		Pattern("n", `\d+`, ""),
		Email("n"),
		Date("n", ""),
		OneOf("n", "a"),
		Custom("n", func(any, map[string]any) bool { return false }, ""),
		Unique("n"),
	)

	for _, value := range []any{nil, "", " ", math.NaN()} {
		assert.Empty(t, v.ValidateRow(row(1, "n", value)))
		assert.Empty(t, v.ValidateRow(row(2, "n", value)))
	}
}

func TestEmail(t *testing.T) {
	v := New(Email("email"))

	for _, ok := range []string{"user@example.com", "first.last+tag@sub.example.co"} {
		assert.Empty(t, v.ValidateRow(row(1, "email", ok)), ok)
	}

	for _, bad := range []string{"user@domain", "@nodomain.com", "no-at-sign.com", "a@b.c"} {
		errs := v.ValidateRow(row(1, "email", bad))
		require.Len(t, errs, 1, bad)
		assert.Equal(t, KindFormat, errs[0].Kind)
		assert.Equal(t, "email must be a valid email address", errs[0].Message)
	}
}

func TestRange(t *testing.T) {
	v := New(Between("credit_limit", 0, 100))

	tests := []struct {
		value any
		msg   string
	}{
		{0.0, ""},
		{int64(100), ""},
		{"50", ""},
		{-1.0, "credit_limit must be at least 0"},
		{int64(101), "credit_limit must be at most 100"},
		{"100.5", "credit_limit must be at most 100"},
		{"abc", "credit_limit must be numeric for range validation"},
	}

	for _, tt := range tests {
		errs := v.ValidateRow(row(1, "credit_limit", tt.value))
		if tt.msg == "" {
			assert.Empty(t, errs, "%v", tt.value)
			continue
		}
		require.Len(t, errs, 1, "%v", tt.value)
		assert.Equal(t, KindRange, errs[0].Kind)
		assert.Equal(t, tt.msg, errs[0].Message)
	}

	t.Run("open bounds", func(t *testing.T) {
		assert.Empty(t, New(AtLeast("x", 0)).ValidateRow(row(1, "x", 1e12)))
		assert.Empty(t, New(AtMost("x", 0)).ValidateRow(row(1, "x", -1e12)))
	})
}

func TestType(t *testing.T) {
	tests := []struct {
		name  string
		typ   ValueType
		value any
		ok    bool
	}{
		{"int string", TypeInteger, "42", true},
		{"int native", TypeInteger, int64(42), true},
		{"integral float", TypeInteger, 42.0, true},
		{"fractional float", TypeInteger, 4.2, false},
		{"decimal string", TypeInteger, "4.2", false},
		{"float string", TypeFloat, "4.2", true},
		{"float word", TypeFloat, "four", false},
		{"bool native", TypeBoolean, true, true},
		{"bool yes", TypeBoolean, "Yes", true},
		{"bool digit", TypeBoolean, "0", true},
		{"bool other", TypeBoolean, "maybe", false},
		{"string", TypeString, "text", true},
		{"string from number", TypeString, int64(3), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := New(IsType("f", tt.typ)).ValidateRow(row(1, "f", tt.value))
			if tt.ok {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, KindType, errs[0].Kind)
		})
	}
}

func TestPatternDateEnumCustom(t *testing.T) {
	v := New(
		Pattern("phone", `^\+?[\d\s-]{10,20}$`, "Invalid phone format"),
		Date("order_date", ""),
		OneOf("status", "pending", "shipped"),
		Custom("qty", func(v any, row map[string]any) bool {
			return row["status"] != "shipped" || v != "0"
		}, "shipped orders need a quantity"),
	)

	ok := row(1, "phone", "+1 555-123-4567", "order_date", "2024-02-29", "status", "shipped", "qty", "3")
	assert.Empty(t, v.ValidateRow(ok))

	bad := row(2, "phone", "12", "order_date", "2024-02-30", "status", "lost", "qty", "0")
	errs := v.ValidateRow(bad)
	require.Len(t, errs, 3)
	assert.Equal(t, []string{
		"Invalid phone format",
		"order_date must be a valid date (2006-01-02)",
		"status must be one of: pending, shipped",
	}, messages(errs))
	for _, e := range errs {
		assert.Equal(t, KindFormat, e.Kind)
		assert.Equal(t, 2, e.Row)
	}

	custom := row(3, "phone", "5551234567", "order_date", "2024-01-01", "status", "shipped", "qty", "0")
	errs = v.ValidateRow(custom)
	require.Len(t, errs, 1)
	assert.Equal(t, KindCustom, errs[0].Kind)
}

func TestPattern_AnchoredAtStartOnly(t *testing.T) {
	v := New(Pattern("code", `[A-Z]{2}`, ""))
	assert.Empty(t, v.ValidateRow(row(1, "code", "AB-123")))
	assert.Len(t, v.ValidateRow(row(2, "code", "x-AB")), 1)
}

func TestNewPattern_BadExpression(t *testing.T) {
	_, err := NewPattern("f", `(`, "")
	assert.Error(t, err)
}

func TestUnique_SpansBatchesUntilReset(t *testing.T) {
	v := New(Unique("code"))

	counts := func(values ...string) []int {
		out := make([]int, len(values))
		for i, val := range values {
			out[i] = len(v.ValidateRow(row(i+1, "code", val)))
		}
		return out
	}

	assert.Equal(t, []int{0, 0, 1}, counts("A", "B", "A"))

	v.Reset()
	assert.Equal(t, []int{0, 0}, counts("A", "B"))
	v.Reset()
	assert.Equal(t, 0, counts("A")[0])
}

func TestUnique_NumbersCompareByValue(t *testing.T) {
	v := New(Unique("id"))
	assert.Empty(t, v.ValidateRow(row(1, "id", int64(7))))
	assert.Len(t, v.ValidateRow(row(2, "id", 7.0)), 1)
	assert.Empty(t, v.ValidateRow(row(3, "id", "7")))
}

func TestUnique_DoesNotSuppressOtherRules(t *testing.T) {
	v := New(Unique("code"), Required("name"))

	require.Empty(t, v.ValidateRow(row(1, "code", "A", "name", "x")))
	errs := v.ValidateRow(row(2, "code", "A", "name", nil))
	require.Len(t, errs, 2)
	assert.Equal(t, KindDuplicate, errs[0].Kind)
	assert.Equal(t, "Duplicate value for code: A", errs[0].Message)
	assert.Equal(t, KindRequired, errs[1].Kind)
}

func TestUnique_RecordsValueFromInvalidRow(t *testing.T) {
	v := New(Required("name"), Unique("code"))

	assert.Len(t, v.ValidateRow(row(1, "code", "A", "name", nil)), 1)
	errs := v.ValidateRow(row(2, "code", "A", "name", "ok"))
	require.Len(t, errs, 1)
	assert.Equal(t, KindDuplicate, errs[0].Kind)
}

func TestValidateBatch_Counts(t *testing.T) {
	v := New(Required("a"), Required("b"))
	rows := []ingest.Row{
		row(1, "a", "x", "b", "y"),
		row(2, "a", nil, "b", nil),
		row(3, "a", "x", "b", nil),
		row(4, "a", "x", "b", "y"),
	}

	valid, res := v.Partition(rows)
	assert.Equal(t, 4, res.TotalRows)
	assert.Equal(t, 2, res.ErrorRows)
	assert.Equal(t, 2, res.ValidRows)
	assert.Equal(t, res.TotalRows, res.ValidRows+res.ErrorRows)
	assert.Len(t, res.Errors, 3)
	assert.InDelta(t, 50.0, res.ErrorRate(), 1e-9)
	assert.False(t, res.IsValid())

	require.Len(t, valid, 2)
	assert.Equal(t, 1, valid[0].Number)
	assert.Equal(t, 4, valid[1].Number)
}

func TestValidateBatch_Empty(t *testing.T) {
	res := New(Required("a")).ValidateBatch(nil)
	assert.Equal(t, 0, res.TotalRows)
	assert.Equal(t, 0.0, res.ErrorRate())
	assert.True(t, res.IsValid())
}

func TestPresets_MixedFile(t *testing.T) {
	v := New(CustomerRules()...)
	rows := []ingest.Row{
		row(1, "customer_code", "C1", "name", "Ann", "email", "ann@example.com"),
		row(2, "customer_code", "C2", "name", nil, "email", "c2@example.com"),
		row(3, "customer_code", "C3", "name", "Cy", "email", "not-an-email"),
		row(4, "customer_code", "C1", "name", "Dup", "email", "dup@example.com"),
		row(5, "customer_code", "C5", "name", "Eve", "phone", "+44 20 7946 0958", "credit_limit", "5000"),
	}

	res := v.ValidateBatch(rows)
	assert.Equal(t, 3, res.ErrorRows)
	assert.Equal(t, res.TotalRows-3, res.ValidRows)

	kinds := map[int]Kind{}
	for _, e := range res.Errors {
		kinds[e.Row] = e.Kind
	}
	assert.Equal(t, map[int]Kind{2: KindRequired, 3: KindFormat, 4: KindDuplicate}, kinds)
}

func TestOrderRules(t *testing.T) {
	v := New(OrderRules()...)

	good := row(1, "order_number", "O1", "customer_id", "7", "order_date", "2024-03-01",
		"total_amount", "19.99", "status", "shipped")
	assert.Empty(t, v.ValidateRow(good))

	bad := row(2, "order_number", "O2", "customer_id", "7", "order_date", "03/01/2024",
		"total_amount", "-1", "status", "lost")
	kinds := []Kind{}
	for _, e := range v.ValidateRow(bad) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []Kind{KindFormat, KindRange, KindFormat}, kinds)
}

func TestClassify_PanicsOnForeignRule(t *testing.T) {
	assert.Panics(t, func() { classify(nil) })
}
