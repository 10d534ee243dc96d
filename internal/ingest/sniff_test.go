package ingest

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDelimiter(t *testing.T) {
	tests := []struct {
		name   string
		sample string
		want   rune
	}{
		{"comma", "a,b,c\n1,2,3\n", ','},
		{"semicolon", "a;b;c\n1;2;3\n", ';'},
		{"tab", "a\tb\tc\n1\t2\t3\n", '\t'},
		{"pipe", "a|b|c\n1|2|3\n", '|'},
		{"no delimiter", "single\ncolumn\n", ','},
		{"tie goes to comma", "a,b;c\n", ','},
		{"tie between semicolon and pipe", "a;b|c\n", ';'},
		{"empty", "", ','},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectDelimiter([]byte(tt.sample)))
		})
	}
}

func TestDetectDelimiter_OnlyInspectsFirst4KB(t *testing.T) {
	sample := strings.Repeat("a;b\n", 1024) + strings.Repeat(",", 5000)
	assert.Equal(t, ';', DetectDelimiter([]byte(sample)))
}

func TestDetectEncoding_UTF8(t *testing.T) {
	tests := []struct {
		name   string
		sample []byte
	}{
		{"empty", nil},
		{"ascii", []byte("id,name\n1,bob\n")},
		{"multibyte", []byte("id,name\n1,Zoë\n")},
		{"multibyte cut at sample end", []byte("id,name\n1,Zo\xc3")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, DefaultEncoding, DetectEncoding(tt.sample))
		})
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		charset string
		want    string
	}{
		{
			name:    "utf-8 bom skipped",
			input:   append([]byte{0xEF, 0xBB, 0xBF}, "hello,world"...),
			charset: "utf-8",
			want:    "hello,world",
		},
		{
			name:    "no bom",
			input:   []byte("hello,world"),
			charset: "utf-8",
			want:    "hello,world",
		},
		{
			name:    "only bom",
			input:   []byte{0xEF, 0xBB, 0xBF},
			charset: "utf-8",
			want:    "",
		},
		{
			name:    "invalid byte replaced",
			input:   []byte{'h', 'e', 0x80, 'l', 'o'},
			charset: "utf-8",
			want:    "he�lo",
		},
		{
			name:    "latin-1 decoded",
			input:   []byte("caf\xe9"),
			charset: "iso-8859-1",
			want:    "café",
		},
		{
			name:    "unknown charset falls back to utf-8",
			input:   []byte("plain"),
			charset: "no-such-charset",
			want:    "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := io.ReadAll(decodeText(strings.NewReader(string(tt.input)), tt.charset))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"csv": FormatCSV, "CSV": FormatCSV, "xlsx": FormatExcel, ".xls": FormatExcel,
		"excel": FormatExcel, "json": FormatJSON, ".json": FormatJSON,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("parquet")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestInspect_CSV(t *testing.T) {
	path := writeFile(t, "people.csv", "id|name\n1|Ann\n2|Bo\n3|Cy\n")

	ins, err := Inspect(path, "", 2)
	require.NoError(t, err)

	assert.Equal(t, FormatCSV, ins.Format)
	assert.Equal(t, "|", ins.Delimiter)
	assert.Equal(t, DefaultEncoding, ins.Encoding)
	assert.Equal(t, 3, ins.RowCount)
	assert.Equal(t, [][]any{{"1", "Ann"}, {"2", "Bo"}}, ins.Sample)
	assert.Empty(t, ins.Issues)
}

func TestInspect_ReportsRaggedRecords(t *testing.T) {
	path := writeFile(t, "ragged.csv", "a,b\n1,2\n3\n")

	ins, err := Inspect(path, FormatCSV, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, ins.Issues)
}
