package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// jsonReader reads a top-level array of flat objects. Key order is kept.
// Headers come from the first object; later objects carry their own keys.
type jsonReader struct {
	path    string
	headers []string
}

func openJSON(path string) (*jsonReader, error) {
	r := &jsonReader{path: path}

	src, err := r.source()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	cols, _, err := src.next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	if err != nil {
		return nil, err
	}
	r.headers = cols

	return r, nil
}

func (r *jsonReader) Format() Format    { return FormatJSON }
func (r *jsonReader) Headers() []string { return r.headers }

func (r *jsonReader) RowCount() (int, error) {
	src, err := r.source()
	if err != nil {
		return 0, err
	}
	return countRecords(src)
}

func (r *jsonReader) Batches(size int) (*BatchStream, error) {
	src, err := r.source()
	if err != nil {
		return nil, err
	}
	return newBatchStream(src, size)
}

func (r *jsonReader) source() (*jsonSource, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open json: %w", err)
	}

	dec := json.NewDecoder(decodeText(f, DefaultEncoding))
	dec.UseNumber()

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, r.path)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		f.Close()
		return nil, fmt.Errorf("invalid json: expected an array of records")
	}

	return &jsonSource{file: f, dec: dec}, nil
}

type jsonSource struct {
	file *os.File
	dec  *json.Decoder
}

func (s *jsonSource) next() ([]string, []any, error) {
	if !s.dec.More() {
		return nil, nil, io.EOF
	}

	tok, err := s.dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("invalid json: record is not an object")
	}

	var cols []string
	var vals []any
	for s.dec.More() {
		kt, err := s.dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid json: %w", err)
		}
		key, _ := kt.(string)

		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("invalid json: field %q: %w", key, err)
		}
		v, err := jsonScalar(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid json: field %q: %w", key, err)
		}

		cols = append(cols, key)
		vals = append(vals, v)
	}

	// closing brace
	if _, err := s.dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("invalid json: %w", err)
	}

	return cols, vals, nil
}

func (s *jsonSource) Close() error { return s.file.Close() }

// jsonScalar converts a raw JSON value to a native scalar. Nested objects
// and arrays are kept as their JSON text.
func jsonScalar(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	switch raw[0] {
	case '{', '[':
		return string(raw), nil
	case 'n':
		return nil, nil
	case 't':
		return true, nil
	case 'f':
		return false, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	}

	n := json.Number(raw)
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return f, nil
}
