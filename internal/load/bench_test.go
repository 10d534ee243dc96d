package load

import "testing"

// BenchmarkToPgNumeric covers the numeric shapes seen in exported spreadsheets.
func BenchmarkToPgNumeric(b *testing.B) {
	inputs := []string{
		"123",
		"-456.78",
		"$1,234.56",
		"(123.45)",
		"  999.99  ",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, in := range inputs {
			ToPgNumeric(in)
		}
	}
}

func BenchmarkToPgDate(b *testing.B) {
	inputs := []string{"2024-01-15", "01/15/2024", "Jan 15, 2024", "1/5/24"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, in := range inputs {
			ToPgDate(in)
		}
	}
}

// BenchmarkConvertValue_CustomerRow converts one row of the customers table.
func BenchmarkConvertValue_CustomerRow(b *testing.B) {
	row := []struct {
		v  any
		dt string
	}{
		{"C-1001", "text"},
		{"Acme Corp", "text"},
		{"ops@acme.example", "text"},
		{"25,000.00", "numeric"},
		{"yes", "boolean"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, c := range row {
			if _, err := convertValue(c.v, c.dt); err != nil {
				b.Fatal(err)
			}
		}
	}
}
