package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/dataload/internal/pipeline"
)

// ErrJobNotFound is returned by GetJob for an unknown id.
var ErrJobNotFound = errors.New("job not found")

// JobRepository persists job records in etl_jobs and mirrors the outcome
// onto the job's data_files row.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// RecordJob upserts the job record and, when the job names a file, updates
// that file's status.
func (r *JobRepository) RecordJob(ctx context.Context, job pipeline.Job, st pipeline.State) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO etl_jobs (
				id, file_id, path, target, status, progress, attempt,
				total_rows, rows_processed, valid_rows, error_rows,
				inserted, updated, skipped, load_errors, merged,
				errors_stored, errors_dropped, error_message,
				created_at, started_at, completed_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17, $18, NULLIF($19, ''), $20, $21, $22)
			ON CONFLICT (id) DO UPDATE SET
				target = EXCLUDED.target,
				status = EXCLUDED.status,
				progress = EXCLUDED.progress,
				attempt = EXCLUDED.attempt,
				total_rows = EXCLUDED.total_rows,
				rows_processed = EXCLUDED.rows_processed,
				valid_rows = EXCLUDED.valid_rows,
				error_rows = EXCLUDED.error_rows,
				inserted = EXCLUDED.inserted,
				updated = EXCLUDED.updated,
				skipped = EXCLUDED.skipped,
				load_errors = EXCLUDED.load_errors,
				merged = EXCLUDED.merged,
				errors_stored = EXCLUDED.errors_stored,
				errors_dropped = EXCLUDED.errors_dropped,
				error_message = EXCLUDED.error_message,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at`

		_, err := tx.Exec(ctx, upsert,
			st.ID, job.FileID, job.Path, st.Target, string(st.Status), st.Progress, st.Attempt,
			st.TotalRows, st.RowsProcessed, st.ValidRows, st.ErrorRows,
			st.Load.Inserted, st.Load.Updated, st.Load.Skipped, st.Load.Errors, st.Load.Merged,
			st.ErrorsStored, st.ErrorsDropped, st.ErrorMessage,
			st.CreatedAt, st.StartedAt, st.CompletedAt,
		)
		if err != nil {
			return classify(err)
		}

		if job.FileID == "" {
			return nil
		}

		var processedAt *time.Time
		var rowCount *int
		if st.Status.Terminal() {
			processedAt = st.CompletedAt
			rowCount = &st.RowsProcessed
		}

		const file = `
			UPDATE data_files
			SET status = $2,
			    row_count = COALESCE($3, row_count),
			    processed_at = COALESCE($4, processed_at),
			    error_message = NULLIF($5, '')
			WHERE id = $1`

		if _, err := tx.Exec(ctx, file, job.FileID, string(st.Status), rowCount, processedAt, st.ErrorMessage); err != nil {
			return classify(err)
		}
		return nil
	})
}

// GetJob loads a stored job record.
func (r *JobRepository) GetJob(ctx context.Context, id string) (pipeline.State, error) {
	const q = `
		SELECT id::text, COALESCE(file_id, ''), target, status, progress, attempt,
		       total_rows, rows_processed, valid_rows, error_rows,
		       inserted, updated, skipped, load_errors, merged,
		       errors_stored, errors_dropped, COALESCE(error_message, ''),
		       created_at, started_at, completed_at
		FROM etl_jobs
		WHERE id = $1`

	var st pipeline.State
	var status string
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&st.ID, &st.FileID, &st.Target, &status, &st.Progress, &st.Attempt,
		&st.TotalRows, &st.RowsProcessed, &st.ValidRows, &st.ErrorRows,
		&st.Load.Inserted, &st.Load.Updated, &st.Load.Skipped, &st.Load.Errors, &st.Load.Merged,
		&st.ErrorsStored, &st.ErrorsDropped, &st.ErrorMessage,
		&st.CreatedAt, &st.StartedAt, &st.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.State{}, ErrJobNotFound
	}
	if err != nil {
		return pipeline.State{}, classify(err)
	}
	st.Status = pipeline.Status(status)
	return st, nil
}

// RegisterFile records an uploaded file so job updates can track its
// status. Registering the same id twice is a no-op.
func (r *JobRepository) RegisterFile(ctx context.Context, id, filename, fileType string) error {
	const q = `
		INSERT INTO data_files (id, filename, file_type, status)
		VALUES ($1, $2, $3, 'uploaded')
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, q, id, filename, fileType); err != nil {
		return classify(err)
	}
	return nil
}
