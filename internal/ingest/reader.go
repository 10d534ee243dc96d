package ingest

import (
	"errors"
	"fmt"
	"io"
)

// Reader gives streaming access to one tabular file.
type Reader interface {
	// Format reports the layout the reader was opened with.
	Format() Format

	// Headers returns the ordered column names from the first record.
	Headers() []string

	// RowCount returns the number of data rows, header excluded. It makes a
	// streaming pass over the file and never holds more than one record.
	RowCount() (int, error)

	// Batches starts a new lazy pass over the data rows. Each call re-opens
	// the file; a stream cannot be rewound.
	Batches(size int) (*BatchStream, error)
}

// Open returns a Reader for path. An empty format is detected from the file
// extension.
func Open(path string, format Format) (Reader, error) {
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}

	switch format {
	case FormatCSV:
		return openCSV(path)
	case FormatExcel:
		return openExcel(path)
	case FormatJSON:
		return openJSON(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// recordSource yields data records one at a time and io.EOF when exhausted.
type recordSource interface {
	next() (columns []string, values []any, err error)
	Close() error
}

// BatchStream is a finite, forward-only sequence of batches.
type BatchStream struct {
	src   recordSource
	size  int
	index int
	rows  int
	done  bool
}

func newBatchStream(src recordSource, size int) (*BatchStream, error) {
	if size <= 0 {
		src.Close()
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	return &BatchStream{src: src, size: size}, nil
}

// Next returns the next batch, or io.EOF once every row has been delivered.
// Row numbers continue across batches.
func (s *BatchStream) Next() (Batch, error) {
	if s.done {
		return Batch{}, io.EOF
	}

	rows := make([]Row, 0, s.size)
	for len(rows) < s.size {
		cols, vals, err := s.src.next()
		if errors.Is(err, io.EOF) {
			s.Close()
			break
		}
		if err != nil {
			s.Close()
			return Batch{}, err
		}
		s.rows++
		rows = append(rows, Row{Number: s.rows, Columns: cols, Values: vals})
	}

	if len(rows) == 0 {
		return Batch{}, io.EOF
	}

	b := Batch{Index: s.index, Rows: rows}
	s.index++
	return b, nil
}

// RowsRead returns how many rows the stream has delivered so far.
func (s *BatchStream) RowsRead() int { return s.rows }

// Close releases the underlying file. It is safe to call more than once.
func (s *BatchStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.src.Close()
}

// countRecords drains a source and returns the number of records it held.
func countRecords(src recordSource) (int, error) {
	defer src.Close()
	n := 0
	for {
		_, _, err := src.next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// cleanHeaders trims header names and fills blanks with positional names.
func cleanHeaders(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		h = trimCell(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		out[i] = h
	}
	return out
}

// cellValues aligns a string record to the header width, trimming cells
// the way spreadsheet cells are trimmed. Empty cells become nil.
func cellValues(record []string, width int) []any {
	vals := make([]any, width)
	for i := 0; i < width && i < len(record); i++ {
		if c := trimCell(record[i]); c != "" {
			vals[i] = c
		}
	}
	return vals
}
