package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/schema"
)

// maxSampleErrors bounds the errors a preview returns.
const maxSampleErrors = 10

// SampleError is one validation failure shown in a preview.
type SampleError struct {
	Row   int    `json:"row"`
	Field string `json:"field"`
	Value string `json:"value"`
	Error string `json:"error"`
}

// PreviewResult is a dry run over the first batch of a file.
type PreviewResult struct {
	Target       string        `json:"target"`
	Headers      []string      `json:"headers"`
	TotalRows    int           `json:"total_rows"`
	SampleSize   int           `json:"sample_size"`
	ValidRows    int           `json:"valid_rows"`
	ErrorRows    int           `json:"error_rows"`
	ErrorRate    float64       `json:"error_rate"`
	SampleErrors []SampleError `json:"sample_errors"`
}

// Preview validates the first batch of job's file without loading anything
// or touching any sink.
func (r *Runner) Preview(ctx context.Context, job Job) (*PreviewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rd, err := ingest.Open(job.Path, job.Format)
	if err != nil {
		return nil, err
	}

	total, err := rd.RowCount()
	if err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}

	target, err := schema.Resolve(job.Target, rd.Headers())
	if err != nil {
		return nil, err
	}
	mapping := target.Mapping
	if job.Mapping != nil {
		mapping = job.Mapping
	}

	out := &PreviewResult{
		Target:       target.Key,
		Headers:      rd.Headers(),
		TotalRows:    total,
		SampleErrors: []SampleError{},
	}

	stream, err := rd.Batches(r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	batch, err := stream.Next()
	if errors.Is(err, io.EOF) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch 0: %w", err)
	}

	rows := make([]ingest.Row, len(batch.Rows))
	for i, row := range batch.Rows {
		rows[i] = mapRow(row, mapping)
	}

	res := target.Validator().ValidateBatch(rows)
	out.SampleSize = batch.Len()
	out.ValidRows = res.ValidRows
	out.ErrorRows = res.ErrorRows
	out.ErrorRate = res.ErrorRate()

	for _, e := range res.Errors {
		if len(out.SampleErrors) == maxSampleErrors {
			break
		}
		out.SampleErrors = append(out.SampleErrors, SampleError{
			Row:   e.Row,
			Field: e.Field,
			Value: fmt.Sprint(e.Value),
			Error: e.Message,
		})
	}
	return out, nil
}
