// Package ingest provides streaming, format-agnostic access to tabular source
// files. A Reader exposes the header row, a data-row count and a lazy,
// non-restartable sequence of bounded batches.
//
// Values are yielded raw: strings from CSV and Excel, native JSON scalars
// (string, int64, float64, bool) from JSON, and nil for empty cells. Parsing
// into typed values is left to validation and loading.
package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies a supported source file layout.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatJSON  Format = "json"
)

// ErrUnsupportedFormat is returned when a file's format is not csv, excel or json.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrEmptyFile is returned when a source has no header record.
var ErrEmptyFile = errors.New("empty file")

var extensionFormats = map[string]Format{
	".csv":  FormatCSV,
	".xlsx": FormatExcel,
	".xlsm": FormatExcel,
	".xls":  FormatExcel,
	".json": FormatJSON,
}

// ParseFormat normalises a declared format name. File extensions and the
// aliases "xlsx"/"xls" are accepted.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "csv":
		return FormatCSV, nil
	case "excel", "xlsx", "xlsm", "xls":
		return FormatExcel, nil
	case "json":
		return FormatJSON, nil
	}
	if f, ok := extensionFormats["."+strings.TrimPrefix(s, ".")]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// DetectFormat infers the format from the file extension.
func DetectFormat(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := extensionFormats[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}
