package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/dataload/internal/config"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/logging"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/scheduler"
	"github.com/JonMunkholm/dataload/internal/schema"
	"github.com/JonMunkholm/dataload/internal/store"
)

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("format", "", "file format (csv, excel, json); detected from the extension when empty")
	f.String("target", schema.Auto, "target key or auto")
	f.String("table", "", "load into this table instead of the target's")
	f.StringToString("map", nil, "source=column renames, e.g. --map Code=customer_code")
	f.StringSlice("key", nil, "key columns for merge and update")
	f.String("mode", "", "load mode: row, bulk or merge (default from PIPELINE_LOAD_MODE)")
	f.String("conflict", "", "conflict policy: skip, update or error (default from PIPELINE_CONFLICT_POLICY)")
	f.Int("retries", -1, "retries after a transient failure (default from RETRY_MAX_RETRIES)")
}

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Load a file into the database and print the final job state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		job, err := jobFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		if n, _ := cmd.Flags().GetInt("retries"); n >= 0 {
			cfg.Retry.MaxRetries = n
		}

		st, err := runJob(cmd.Context(), cfg, job)
		if perr := printJSON(cmd.OutOrStdout(), st); perr != nil {
			return perr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", pipeline.FormatUserError(err), err)
		}
		return nil
	},
}

func jobFromFlags(cmd *cobra.Command, path string) (pipeline.Job, error) {
	f := cmd.Flags()
	abs, err := filepath.Abs(path)
	if err != nil {
		return pipeline.Job{}, err
	}

	job := pipeline.Job{Path: abs}
	if job.Format, err = formatFlag(cmd); err != nil {
		return job, err
	}
	job.Target, _ = f.GetString("target")
	job.Table, _ = f.GetString("table")
	job.Mapping, _ = f.GetStringToString("map")
	job.KeyColumns, _ = f.GetStringSlice("key")

	if s, _ := f.GetString("mode"); s != "" {
		if job.Mode, err = load.ParseMode(s); err != nil {
			return job, err
		}
	}
	if s, _ := f.GetString("conflict"); s != "" {
		if job.Conflict, err = load.ParsePolicy(s); err != nil {
			return job, err
		}
	}
	return job, nil
}

// runJob pushes one job through a private scheduler so transient failures
// are retried exactly as the server would. Interrupting cancels the job at
// its next batch boundary.
func runJob(ctx context.Context, cfg *config.Config, job pipeline.Job) (scheduler.Status, error) {
	pool, err := store.Connect(ctx, store.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        1,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return scheduler.Status{}, err
	}
	defer pool.Close()

	if cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx, pool); err != nil {
			return scheduler.Status{}, err
		}
	}

	mode, _ := load.ParseMode(cfg.Pipeline.LoadMode)
	conflict, _ := load.ParsePolicy(cfg.Pipeline.ConflictPolicy)

	runner := pipeline.NewRunner(pipeline.Deps{
		Store:    store.NewPostgres(pool),
		Errors:   store.NewErrorRepository(pool),
		Recorder: store.NewJobRepository(pool),
	}, pipeline.Config{
		BatchSize:         cfg.Pipeline.BatchSize,
		MaxErrorsPerBatch: cfg.Pipeline.MaxErrorsPerBatch,
		MaxStoredErrors:   cfg.Pipeline.MaxStoredErrors,
		Mode:              mode,
		Conflict:          conflict,
	})

	sched := scheduler.New(runner, scheduler.Config{
		MaxConcurrent: 1,
		MaxWait:       cfg.Worker.MaxWaitTime,
		JobTimeout:    cfg.Worker.JobTimeout,
		Retry: scheduler.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
		},
	})

	st, err := sched.Submit(ctx, job)
	if err != nil {
		return st, err
	}
	id := st.ID
	log := logging.ForJob(ctx, id, "cli")
	log.Info("job started", "path", job.Path)

	go func() {
		<-ctx.Done()
		if err := sched.Cancel(id); err == nil {
			slog.Warn("interrupted, cancelling after the current batch", "job_id", id)
		}
	}()

	st, err = sched.Wait(context.WithoutCancel(ctx), id)
	log.Info("job finished", "status", st.Status, "attempt", st.Attempt)
	return st, err
}
