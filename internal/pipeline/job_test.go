package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/schema"
	"github.com/JonMunkholm/dataload/internal/validate"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusFailed, StatusPending, true},

		{StatusPending, StatusCancelled, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusPending, false},
		{StatusFailed, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_Transition(t *testing.T) {
	st := NewState(Job{ID: "j"})
	assert.Equal(t, StatusPending, st.Status)

	require.NoError(t, st.Transition(StatusRunning))
	require.NotNil(t, st.StartedAt)
	assert.Nil(t, st.CompletedAt)

	require.NoError(t, st.Transition(StatusFailed))
	require.NotNil(t, st.CompletedAt)

	require.NoError(t, st.Transition(StatusPending))
	assert.Nil(t, st.CompletedAt)

	err := st.Transition(StatusCancelled)
	assert.ErrorContains(t, err, "invalid transition pending -> cancelled")
	assert.Equal(t, StatusPending, st.Status)
}

func TestState_SetProgressNeverDecreases(t *testing.T) {
	st := NewState(Job{})
	st.SetProgress(30)
	st.SetProgress(20)
	assert.Equal(t, 30.0, st.Progress)
	st.SetProgress(250)
	assert.Equal(t, 100.0, st.Progress)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100.0, percent(0, 0))
	assert.Equal(t, 50.0, percent(1, 2))
	assert.Equal(t, 100.0, percent(12, 10))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &load.TransientError{Err: errors.New("reset")}, true},
		{"wrapped transient", fmt.Errorf("load batch 2: %w", &load.TransientError{Err: errors.New("x")}), true},
		{"unexpected", errors.New("something odd"), true},
		{"cancelled", ErrCancelled, false},
		{"aborted", fmt.Errorf("%w: deadline", ErrAborted), false},
		{"timed out", fmt.Errorf("%w: %w", ErrAborted, ErrTimedOut), true},
		{"unsupported format", fmt.Errorf("%w: .txt", ingest.ErrUnsupportedFormat), false},
		{"empty file", ingest.ErrEmptyFile, false},
		{"missing file", fmt.Errorf("open csv: %w", fs.ErrNotExist), false},
		{"unknown target", fmt.Errorf("%w: invoices", schema.ErrUnknownTarget), false},
		{"schema mismatch", fmt.Errorf("load batch 0: %w", load.ErrSchemaMismatch), false},
		{"missing keys", load.ErrMissingKeys, false},
		{"context canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	// "é" is two bytes; cutting through it drops the partial rune.
	assert.Equal(t, "a", truncate("aé", 2))
}

func TestValidationRecord_Truncates(t *testing.T) {
	rec := validationRecord(validate.ValidationError{
		Row:     7,
		Field:   "note",
		Value:   strings.Repeat("v", 2000),
		Kind:    validate.KindFormat,
		Message: strings.Repeat("m", 3000),
	}, strings.Repeat("r", 5000))

	assert.Equal(t, 7, rec.Row)
	assert.Len(t, rec.Value, MaxErrorValueLen)
	assert.Len(t, rec.Message, MaxErrorMessageLen)
	assert.Len(t, rec.RawRow, MaxRawRowLen)

	rec = validationRecord(validate.ValidationError{Field: "x", Kind: validate.KindRequired}, "")
	assert.Empty(t, rec.Value, "null values are stored empty")
}

func TestErrorAccumulator(t *testing.T) {
	batch := func(n int) []ErrorRecord {
		out := make([]ErrorRecord, n)
		for i := range out {
			out[i] = ErrorRecord{Row: i + 1}
		}
		return out
	}

	acc := NewErrorAccumulator(100, 500)
	for i := 0; i < 7; i++ {
		acc.AddBatch(batch(150))
	}

	assert.Equal(t, 500, acc.Len(), "hard cap")
	assert.Equal(t, 7*150-500, acc.Dropped())
	assert.Equal(t, 1, acc.Records()[100].Row, "each batch keeps its first 100")

	small := NewErrorAccumulator(0, 0)
	small.AddBatch(batch(3))
	assert.Equal(t, 3, small.Len())
	assert.Zero(t, small.Dropped())

	stamped := small.stamp("job", "file")
	assert.Equal(t, "job", stamped[0].JobID)
	assert.Equal(t, "file", stamped[2].FileID)
	assert.Empty(t, small.Records()[0].JobID, "stamp copies")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err      error
		wantCode string
	}{
		{nil, ""},
		{fmt.Errorf("%w: \".txt\"", ingest.ErrUnsupportedFormat), "FILE001"},
		{errors.New("invalid csv: bare quote"), "FILE002"},
		{fmt.Errorf("%w: x.csv", ingest.ErrEmptyFile), "FILE003"},
		{fmt.Errorf("load batch 0: %w: no mapped columns", load.ErrSchemaMismatch), "VAL002"},
		{errors.New("ERROR: duplicate key value violates unique constraint"), "DB001"},
		{errors.New("dial tcp: connection refused"), "DB003"},
		{errors.New("deadlock detected"), "DB005"},
		{ErrCancelled, "JOB001"},
		{fmt.Errorf("%w: %w", ErrAborted, ErrTimedOut), "JOB002"},
		{fmt.Errorf("%w: scheduler is shutting down", ErrAborted), "JOB005"},
		{errors.New("cosmic rays"), "ERR000"},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, MapError(tt.err).Code)
		})
	}
}

func TestFormatUserError(t *testing.T) {
	assert.Empty(t, FormatUserError(nil))
	assert.Equal(t,
		"The job was cancelled (Code: JOB001). Submit the file again when ready",
		FormatUserError(ErrCancelled))
}
