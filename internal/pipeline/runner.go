package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/metrics"
	"github.com/JonMunkholm/dataload/internal/progress"
	"github.com/JonMunkholm/dataload/internal/schema"
	"github.com/JonMunkholm/dataload/internal/validate"
)

// SourceFileColumn is filled with the job's file id when the target table
// has it.
const SourceFileColumn = "source_file_id"

// ErrorSink stores a job's error sample. Each call replaces whatever was
// stored for the job before, so a re-run never duplicates errors.
type ErrorSink interface {
	ReplaceErrors(ctx context.Context, jobID string, records []ErrorRecord) error
}

// Recorder persists the job record on every status change.
type Recorder interface {
	RecordJob(ctx context.Context, job Job, state State) error
}

// Deps are the collaborators a Runner uses. Store is required; the rest may
// be nil.
type Deps struct {
	Store    load.Store
	Errors   ErrorSink
	Progress progress.Sink
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Config tunes a Runner.
type Config struct {
	BatchSize         int
	MaxErrorsPerBatch int
	MaxStoredErrors   int
	Mode              load.Mode
	Conflict          load.Policy
}

// DefaultConfig returns the standard batch and error bounds.
func DefaultConfig() Config {
	return Config{
		BatchSize:         1000,
		MaxErrorsPerBatch: 100,
		MaxStoredErrors:   500,
		Mode:              load.ModeRow,
		Conflict:          load.ConflictSkip,
	}
}

// Runner executes job attempts. It is safe for concurrent use; each Run
// owns its own reader, validator and state.
type Runner struct {
	cfg    Config
	deps   Deps
	loader *load.Loader
	log    *slog.Logger
}

// NewRunner returns a Runner. Zero config fields take DefaultConfig values.
func NewRunner(deps Deps, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxErrorsPerBatch <= 0 {
		cfg.MaxErrorsPerBatch = def.MaxErrorsPerBatch
	}
	if cfg.MaxStoredErrors <= 0 {
		cfg.MaxStoredErrors = def.MaxStoredErrors
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Conflict == "" {
		cfg.Conflict = def.Conflict
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Runner{
		cfg:    cfg,
		deps:   deps,
		loader: load.New(deps.Store),
		log:    log.With("component", "pipeline"),
	}
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// attempt is the working set of one Run.
type attempt struct {
	job       Job
	state     *State
	errors    *ErrorAccumulator
	target    schema.Target
	validator *validate.Validator
	request   load.Request
	mode      load.Mode
	log       *slog.Logger
}

// Run executes one attempt of job and returns its final state. cancel may
// be nil. A close of cancel or the end of ctx is noticed only between
// batches; the batch in flight always finishes.
//
// The returned error is nil only for a completed job. ErrCancelled marks a
// cancelled job; use Retryable to classify the rest.
func (r *Runner) Run(ctx context.Context, job Job, cancel <-chan struct{}) (State, error) {
	st := NewState(job)
	st.beginAttempt(job.Attempt)

	a := &attempt{
		job:    job,
		state:  st,
		errors: NewErrorAccumulator(r.cfg.MaxErrorsPerBatch, r.cfg.MaxStoredErrors),
		log:    r.log.With("job_id", job.ID, "attempt", job.Attempt),
	}

	_ = st.Transition(StatusRunning)
	a.log.Info("job started", "path", job.Path)
	r.publish(ctx, a)
	if r.deps.Recorder != nil {
		if err := r.deps.Recorder.RecordJob(context.WithoutCancel(ctx), job, *st); err != nil {
			a.log.Warn("record job start", "error", err)
		}
	}

	err := r.execute(ctx, a, cancel)
	return r.finish(ctx, a, err)
}

func (r *Runner) execute(ctx context.Context, a *attempt, cancel <-chan struct{}) error {
	rd, err := ingest.Open(a.job.Path, a.job.Format)
	if err != nil {
		return err
	}

	total, err := rd.RowCount()
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	a.state.TotalRows = total

	if err := r.prepare(a, rd.Headers()); err != nil {
		return err
	}

	stream, err := rd.Batches(r.cfg.BatchSize)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Batch work is shielded from ctx so a deadline never cuts a batch in
	// half; ctx is consulted between batches instead.
	work := context.WithoutCancel(ctx)

	for n := 0; ; n++ {
		batch, err := stream.Next()
		if errors.Is(err, io.EOF) {
			if read := stream.RowsRead(); read != a.state.TotalRows {
				a.log.Warn("file changed while loading", "counted", a.state.TotalRows, "read", read)
				a.state.TotalRows = read
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read batch %d: %w", n, err)
		}

		if err := interrupted(ctx, cancel); err != nil {
			return err
		}

		if err := r.processBatch(work, a, batch); err != nil {
			return err
		}
	}
}

// prepare resolves the target and builds the validator and load request.
func (r *Runner) prepare(a *attempt, headers []string) error {
	target, err := schema.Resolve(a.job.Target, headers)
	if err != nil {
		return err
	}
	a.target = target
	a.state.Target = target.Key

	// A fresh validator per attempt; Reset keeps that true even if a
	// target ever hands back a shared one.
	a.validator = target.Validator()
	a.validator.Reset()

	req := load.Request{
		Table:      target.Table,
		Mapping:    target.Mapping,
		KeyColumns: target.KeyColumns,
		Conflict:   r.cfg.Conflict,
	}
	if a.job.Table != "" {
		req.Table = a.job.Table
	}
	if a.job.Mapping != nil {
		req.Mapping = a.job.Mapping
	}
	if len(a.job.KeyColumns) > 0 {
		req.KeyColumns = a.job.KeyColumns
	}
	if a.job.Conflict != "" {
		req.Conflict = a.job.Conflict
	}
	if a.job.FileID != "" {
		req.Extra = map[string]any{SourceFileColumn: a.job.FileID}
	}
	a.request = req

	a.mode = r.cfg.Mode
	if a.job.Mode != "" {
		a.mode = a.job.Mode
	}

	if !target.Loadable() && a.job.Table == "" {
		a.log.Info("target has no table, rows are validated only", "target", target.Key)
	}
	a.log.Info("target resolved",
		"target", target.Key,
		"table", req.Table,
		"mode", a.mode,
		"rows", a.state.TotalRows,
	)
	return nil
}

func (r *Runner) processBatch(ctx context.Context, a *attempt, batch ingest.Batch) error {
	start := time.Now()

	mapped := make([]ingest.Row, len(batch.Rows))
	for i, row := range batch.Rows {
		mapped[i] = mapRow(row, a.request.Mapping)
	}

	valid, res := a.validator.Partition(mapped)
	a.state.ValidRows += res.ValidRows
	a.state.ErrorRows += res.ErrorRows

	byNumber := make(map[int]ingest.Row, len(batch.Rows))
	for _, row := range batch.Rows {
		byNumber[row.Number] = row
	}

	records := make([]ErrorRecord, 0, len(res.Errors))
	for _, e := range res.Errors {
		records = append(records, validationRecord(e, byNumber[e.Row].String()))
	}

	if a.request.Table != "" && len(valid) > 0 {
		originals := make([]ingest.Row, len(valid))
		for i, row := range valid {
			originals[i] = byNumber[row.Number]
		}

		stats, err := r.loader.Load(ctx, a.mode, a.request, originals)
		if err != nil {
			a.errors.AddBatch(records)
			return fmt.Errorf("load batch %d: %w", batch.Index, err)
		}
		a.state.Load.Add(stats)
		for _, f := range stats.Failures {
			records = append(records, loadRecord(f, byNumber[f.Row].String()))
		}
		r.deps.Metrics.ObserveLoad(a.request.Table, stats.Inserted, stats.Updated, stats.Skipped, stats.Errors, stats.Merged)
	}

	a.errors.AddBatch(records)
	a.state.RowsProcessed += batch.Len()
	a.state.SetProgress(percent(a.state.RowsProcessed, a.state.TotalRows))

	r.deps.Metrics.ObserveBatch(a.target.Key, time.Since(start), res.ValidRows, res.ErrorRows)
	r.publish(ctx, a)

	a.log.Debug("batch processed",
		"batch", batch.Index,
		"rows", batch.Len(),
		"valid", res.ValidRows,
		"invalid", res.ErrorRows,
		"progress", a.state.Progress,
	)
	return nil
}

// finish settles the final status and persists errors, progress and the
// job record. Persistence failures are logged; they do not change the
// outcome of the attempt.
func (r *Runner) finish(ctx context.Context, a *attempt, runErr error) (State, error) {
	ctx = context.WithoutCancel(ctx)
	st := a.state

	switch {
	case runErr == nil:
		st.SetProgress(100)
		_ = st.Transition(StatusCompleted)
	case errors.Is(runErr, ErrCancelled):
		_ = st.Transition(StatusCancelled)
	default:
		st.ErrorMessage = summarize(runErr)
		_ = st.Transition(StatusFailed)
	}
	st.ErrorsDropped = a.errors.Dropped()

	var merr *multierror.Error
	if r.deps.Errors != nil {
		records := a.errors.stamp(a.job.ID, a.job.FileID)
		if err := r.deps.Errors.ReplaceErrors(ctx, a.job.ID, records); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("store errors: %w", err))
		} else {
			st.ErrorsStored = len(records)
		}
	}
	if err := r.deps.Progress.Publish(ctx, update(st)); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("publish progress: %w", err))
	}
	if r.deps.Recorder != nil {
		if err := r.deps.Recorder.RecordJob(ctx, a.job, *st); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("record job: %w", err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		a.log.Error("persist job outcome", "error", err)
	}

	r.deps.Metrics.JobFinished(string(st.Status))

	attrs := []any{
		"status", st.Status,
		"rows", st.RowsProcessed,
		"valid", st.ValidRows,
		"invalid", st.ErrorRows,
		"inserted", st.Load.Inserted,
		"updated", st.Load.Updated,
		"skipped", st.Load.Skipped,
		"load_errors", st.Load.Errors,
		"errors_dropped", st.ErrorsDropped,
	}
	switch st.Status {
	case StatusCompleted:
		a.log.Info("job completed", attrs...)
	case StatusCancelled:
		a.log.Info("job cancelled", attrs...)
	default:
		a.log.Error("job failed", append(attrs, "error", runErr, "retryable", Retryable(runErr))...)
	}

	return *st, runErr
}

func (r *Runner) publish(ctx context.Context, a *attempt) {
	if err := r.deps.Progress.Publish(ctx, update(a.state)); err != nil {
		a.log.Warn("publish progress", "error", err)
	}
}

func update(st *State) progress.Update {
	return progress.Update{
		JobID:         st.ID,
		Status:        string(st.Status),
		Percent:       st.Progress,
		RowsProcessed: st.RowsProcessed,
		TotalRows:     st.TotalRows,
		At:            time.Now().UTC(),
	}
}

// interrupted reports a pending cancel or an ended context.
func interrupted(ctx context.Context, cancel <-chan struct{}) error {
	select {
	case <-cancel:
		return ErrCancelled
	default:
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
	}
	return nil
}

// mapRow renames row's columns through mapping. Values are shared.
func mapRow(row ingest.Row, mapping map[string]string) ingest.Row {
	if len(mapping) == 0 {
		return row
	}
	cols := make([]string, len(row.Columns))
	for i, c := range row.Columns {
		if m, ok := mapping[c]; ok && m != "" {
			cols[i] = m
		} else {
			cols[i] = c
		}
	}
	return ingest.Row{Number: row.Number, Columns: cols, Values: row.Values}
}
