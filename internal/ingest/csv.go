package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

type csvReader struct {
	path      string
	delimiter rune
	encoding  string
	headers   []string
}

func openCSV(path string) (*csvReader, error) {
	sample, err := readSample(path, encodingSampleSize)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}

	r := &csvReader{
		path:      path,
		delimiter: DetectDelimiter(sample),
		encoding:  DetectEncoding(sample),
	}

	src, err := r.source()
	if err != nil {
		return nil, err
	}
	r.headers = src.columns
	src.Close()

	return r, nil
}

func (r *csvReader) Format() Format    { return FormatCSV }
func (r *csvReader) Headers() []string { return r.headers }
func (r *csvReader) Delimiter() rune   { return r.delimiter }
func (r *csvReader) Encoding() string  { return r.encoding }

// RowCount counts parsed records rather than physical lines, so quoted
// fields with embedded newlines are counted once.
func (r *csvReader) RowCount() (int, error) {
	src, err := r.source()
	if err != nil {
		return 0, err
	}
	return countRecords(src)
}

func (r *csvReader) Batches(size int) (*BatchStream, error) {
	src, err := r.source()
	if err != nil {
		return nil, err
	}
	return newBatchStream(src, size)
}

// source opens the file and consumes the header record.
func (r *csvReader) source() (*csvSource, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}

	cr := csv.NewReader(decodeText(f, r.encoding))
	cr.Comma = r.delimiter
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, r.path)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("invalid csv header: %w", err)
	}

	return &csvSource{file: f, reader: cr, columns: cleanHeaders(header)}, nil
}

type csvSource struct {
	file    *os.File
	reader  *csv.Reader
	columns []string
}

func (s *csvSource) next() ([]string, []any, error) {
	rec, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, io.EOF
	}
	if err != nil {
		return nil, nil, fmt.Errorf("invalid csv: %w", err)
	}
	return s.columns, cellValues(rec, len(s.columns)), nil
}

func (s *csvSource) Close() error { return s.file.Close() }
