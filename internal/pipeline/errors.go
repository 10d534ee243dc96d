package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"unicode/utf8"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/schema"
	"github.com/JonMunkholm/dataload/internal/validate"
)

var (
	// ErrCancelled is returned when a cancel request stopped the job
	// between batches.
	ErrCancelled = errors.New("job cancelled")

	// ErrAborted is returned when the job's context ended between batches.
	// The context's cause is wrapped alongside it.
	ErrAborted = errors.New("job aborted")

	// ErrTimedOut is the context cause of an attempt that ran past its
	// wall-clock limit.
	ErrTimedOut = errors.New("job timed out")
)

// Retryable reports whether a failed attempt should be retried. Cancellation,
// shutdown aborts and problems with the input or target schema are terminal;
// timeouts, storage and unexpected failures are retried.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTimedOut):
		return true
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrAborted):
		return false
	case errors.Is(err, ingest.ErrUnsupportedFormat), errors.Is(err, ingest.ErrEmptyFile):
		return false
	case errors.Is(err, fs.ErrNotExist):
		return false
	case errors.Is(err, schema.ErrUnknownTarget), load.IsFatal(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Truncation limits for stored text.
const (
	MaxJobMessageLen   = 1000
	MaxErrorMessageLen = 1000
	MaxErrorValueLen   = 500
	MaxRawRowLen       = 4000
)

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// ErrorRecord is one stored error for a job: a validation failure or a
// row the loader rejected.
type ErrorRecord struct {
	JobID   string        `json:"job_id"`
	FileID  string        `json:"file_id,omitempty"`
	Row     int           `json:"row_number"`
	Field   string        `json:"field,omitempty"`
	Value   string        `json:"value,omitempty"`
	Kind    validate.Kind `json:"kind"`
	Message string        `json:"message"`
	RawRow  string        `json:"raw_row,omitempty"`
}

// KindLoad marks rows the store rejected after passing validation.
const KindLoad validate.Kind = "LOAD"

func validationRecord(e validate.ValidationError, raw string) ErrorRecord {
	value := ""
	if !validate.IsNull(e.Value) {
		value = fmt.Sprint(e.Value)
	}
	return ErrorRecord{
		Row:     e.Row,
		Field:   e.Field,
		Value:   truncate(value, MaxErrorValueLen),
		Kind:    e.Kind,
		Message: truncate(e.Message, MaxErrorMessageLen),
		RawRow:  truncate(raw, MaxRawRowLen),
	}
}

func loadRecord(e load.RowError, raw string) ErrorRecord {
	return ErrorRecord{
		Row:     e.Row,
		Kind:    KindLoad,
		Message: truncate(e.Message, MaxErrorMessageLen),
		RawRow:  truncate(raw, MaxRawRowLen),
	}
}

// ErrorAccumulator keeps a bounded sample of a job's errors: at most
// perBatch from any one batch and at most limit overall. Errors beyond
// either bound are counted as dropped.
type ErrorAccumulator struct {
	perBatch int
	limit    int
	records  []ErrorRecord
	dropped  int
}

// NewErrorAccumulator returns an accumulator with the given bounds.
// Non-positive bounds fall back to 100 per batch and 500 overall.
func NewErrorAccumulator(perBatch, limit int) *ErrorAccumulator {
	if perBatch <= 0 {
		perBatch = 100
	}
	if limit <= 0 {
		limit = 500
	}
	return &ErrorAccumulator{perBatch: perBatch, limit: limit}
}

// AddBatch appends the first perBatch records of one batch, stopping at the
// overall limit.
func (a *ErrorAccumulator) AddBatch(records []ErrorRecord) {
	keep := records
	if len(keep) > a.perBatch {
		keep = keep[:a.perBatch]
	}
	if room := a.limit - len(a.records); len(keep) > room {
		keep = keep[:max(room, 0)]
	}
	a.records = append(a.records, keep...)
	a.dropped += len(records) - len(keep)
}

func (a *ErrorAccumulator) Records() []ErrorRecord { return a.records }
func (a *ErrorAccumulator) Dropped() int           { return a.dropped }
func (a *ErrorAccumulator) Len() int               { return len(a.records) }

// stamp sets the job and file ids on every record.
func (a *ErrorAccumulator) stamp(jobID, fileID string) []ErrorRecord {
	out := make([]ErrorRecord, len(a.records))
	for i, r := range a.records {
		r.JobID = jobID
		r.FileID = fileID
		out[i] = r
	}
	return out
}

// summarize renders err for the job record.
func summarize(err error) string {
	msg := strings.TrimSpace(err.Error())
	return truncate(msg, MaxJobMessageLen)
}
