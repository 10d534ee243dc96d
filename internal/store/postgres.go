// Package store implements the loader's storage collaborator and the job
// bookkeeping tables on PostgreSQL through a pgx connection pool.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/dataload/internal/load"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", classify(err))
	}
	return pool, nil
}

// EnsureSchema creates the bookkeeping and built-in target tables when
// they are missing.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", classify(err))
	}
	return nil
}

// Postgres is a load.Store over a pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool returns the underlying pool.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return classify(p.pool.Ping(ctx)) }

// Columns lists table's columns from information_schema. table may be
// schema-qualified; the search path's first schema is used otherwise.
func (p *Postgres) Columns(ctx context.Context, table string) ([]load.Column, error) {
	schemaName, name := splitTable(table)

	const q = `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
		  AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := p.pool.Query(ctx, q, schemaName, name)
	if err != nil {
		return nil, classify(err)
	}

	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (load.Column, error) {
		var c load.Column
		err := row.Scan(&c.Name, &c.DataType)
		return c, err
	})
	if err != nil {
		return nil, classify(err)
	}
	return cols, nil
}

// Begin opens a transaction.
func (p *Postgres) Begin(ctx context.Context) (load.Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &session{tx: tx}, nil
}

// session is one transaction. Every row-level statement runs under its own
// savepoint so a failed row leaves the transaction usable.
type session struct {
	tx pgx.Tx
	sp int
}

func (s *session) InsertRow(ctx context.Context, table string, columns []string, values []any) error {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(table), identList(columns), placeholders(1, len(columns)))

	return s.savepoint(ctx, func() error {
		_, err := s.tx.Exec(ctx, q, values...)
		return err
	})
}

func (s *session) UpdateRow(ctx context.Context, table string, columns, keys []string, values []any) (int64, error) {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	var set, where []string
	var args []any
	for i, c := range columns {
		if isKey[c] {
			continue
		}
		args = append(args, values[i])
		set = append(set, fmt.Sprintf("%s = $%d", ident(c), len(args)))
	}
	if len(set) == 0 {
		return 0, nil
	}
	for i, c := range columns {
		if !isKey[c] {
			continue
		}
		args = append(args, values[i])
		where = append(where, fmt.Sprintf("%s = $%d", ident(c), len(args)))
	}

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		ident(table), strings.Join(set, ", "), strings.Join(where, " AND "))

	var n int64
	err := s.savepoint(ctx, func() error {
		tag, err := s.tx.Exec(ctx, q, args...)
		n = tag.RowsAffected()
		return err
	})
	return n, err
}

func (s *session) CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	n, err := s.tx.CopyFrom(ctx, tableIdent(table), columns, pgx.CopyFromRows(rows))
	return n, classify(err)
}

// MergeRows copies rows into a temporary table shaped like table and
// upserts from there on the key columns.
func (s *session) MergeRows(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, error) {
	tmp := "merge_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	create := fmt.Sprintf("CREATE TEMPORARY TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		ident(tmp), ident(table))
	if _, err := s.tx.Exec(ctx, create); err != nil {
		return 0, classify(err)
	}

	if _, err := s.tx.CopyFrom(ctx, pgx.Identifier{tmp}, columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, classify(err)
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var set []string
	for _, c := range columns {
		if !isKey[c] {
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
		}
	}
	action := "DO NOTHING"
	if len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		ident(table), identList(columns), identList(columns), ident(tmp), identList(keys), action)

	tag, err := s.tx.Exec(ctx, q)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *session) Commit(ctx context.Context) error   { return classify(s.tx.Commit(ctx)) }
func (s *session) Rollback(ctx context.Context) error { return classify(s.tx.Rollback(ctx)) }

// savepoint runs fn under a fresh savepoint, rolling back to it when fn
// fails.
func (s *session) savepoint(ctx context.Context, fn func() error) error {
	s.sp++
	name := fmt.Sprintf("sp_%d", s.sp)

	if _, err := s.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return classify(err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return classify(rbErr)
		}
		return classify(err)
	}
	if _, err := s.tx.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return classify(err)
	}
	return nil
}

func splitTable(table string) (schemaName, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

func tableIdent(table string) pgx.Identifier {
	if s, n := splitTable(table); s != "" {
		return pgx.Identifier{s, n}
	}
	return pgx.Identifier{table}
}

func ident(name string) string { return tableIdent(name).Sanitize() }

func identList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(out, ", ")
}

// placeholders returns "$from, ..., $(from+n-1)".
func placeholders(from, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(out, ", ")
}
