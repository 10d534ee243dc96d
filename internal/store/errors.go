package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/validate"
)

// ErrorRepository stores job error samples in data_errors.
type ErrorRepository struct {
	pool *pgxpool.Pool
}

func NewErrorRepository(pool *pgxpool.Pool) *ErrorRepository {
	return &ErrorRepository{pool: pool}
}

// ReplaceErrors deletes the job's stored errors and inserts records in one
// transaction.
func (r *ErrorRepository) ReplaceErrors(ctx context.Context, jobID string, records []pipeline.ErrorRecord) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM data_errors WHERE job_id = $1", jobID); err != nil {
			return classify(err)
		}
		if len(records) == 0 {
			return nil
		}

		const q = `
			INSERT INTO data_errors
				(job_id, source_file_id, row_number, error_type, error_message, field_name, field_value, raw_data)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))`

		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(q, jobID, rec.FileID, rec.Row, string(rec.Kind), rec.Message, rec.Field, rec.Value, rec.RawRow)
		}

		br := tx.SendBatch(ctx, batch)
		for range records {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert error record: %w", classify(err))
			}
		}
		return classify(br.Close())
	})
}

// ListErrors returns up to limit stored errors for a job, by row number,
// starting after offset.
func (r *ErrorRepository) ListErrors(ctx context.Context, jobID string, limit, offset int) ([]pipeline.ErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	const q = `
		SELECT job_id::text, COALESCE(source_file_id, ''), row_number, error_type, error_message,
		       COALESCE(field_name, ''), COALESCE(field_value, ''), COALESCE(raw_data, '')
		FROM data_errors
		WHERE job_id = $1
		ORDER BY row_number, id
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, q, jobID, limit, offset)
	if err != nil {
		return nil, classify(err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.ErrorRecord, error) {
		var rec pipeline.ErrorRecord
		var kind string
		err := row.Scan(&rec.JobID, &rec.FileID, &rec.Row, &kind, &rec.Message, &rec.Field, &rec.Value, &rec.RawRow)
		rec.Kind = validate.Kind(kind)
		return rec, err
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}
