package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/dataload/internal/config"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/logging"
	"github.com/JonMunkholm/dataload/internal/metrics"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/progress"
	"github.com/JonMunkholm/dataload/internal/queue"
	"github.com/JonMunkholm/dataload/internal/scheduler"
	"github.com/JonMunkholm/dataload/internal/schema"
	"github.com/JonMunkholm/dataload/internal/store"
	"github.com/JonMunkholm/dataload/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"max_concurrent", cfg.Worker.MaxConcurrent,
		"load_mode", cfg.Pipeline.LoadMode,
		"redis", cfg.Redis.URL != "",
		"amqp", cfg.Queue.URL != "",
	)

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, store.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	if cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	}

	targets := schema.All()
	slog.Info("targets registered", "count", len(targets))
	for _, t := range targets {
		slog.Debug("target", "key", t.Key, "table", t.Table)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tracker := progress.NewTracker()
	sinks := progress.Multi{tracker}
	if cfg.Redis.URL != "" {
		client, err := progress.DialRedis(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		sinks = append(sinks, progress.NewRedis(client, cfg.Redis.ProgressTTL))
		slog.Info("redis progress enabled")
	}

	db := store.NewPostgres(pool)
	jobs := store.NewJobRepository(pool)
	errs := store.NewErrorRepository(pool)

	// Validated by config.Load.
	mode, _ := load.ParseMode(cfg.Pipeline.LoadMode)
	conflict, _ := load.ParsePolicy(cfg.Pipeline.ConflictPolicy)

	runner := pipeline.NewRunner(pipeline.Deps{
		Store:    db,
		Errors:   errs,
		Progress: sinks,
		Recorder: jobs,
		Metrics:  m,
	}, pipeline.Config{
		BatchSize:         cfg.Pipeline.BatchSize,
		MaxErrorsPerBatch: cfg.Pipeline.MaxErrorsPerBatch,
		MaxStoredErrors:   cfg.Pipeline.MaxStoredErrors,
		Mode:              mode,
		Conflict:          conflict,
	})

	sched := scheduler.New(runner, scheduler.Config{
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		MaxWait:       cfg.Worker.MaxWaitTime,
		JobTimeout:    cfg.Worker.JobTimeout,
		Retention:     cfg.Worker.JobRetention,
		Retry: scheduler.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
		},
	}, scheduler.WithTracker(tracker), scheduler.WithMetrics(m))

	server := web.NewServer(web.Deps{
		Jobs:      sched,
		Previewer: runner,
		History:   jobs,
		Errors:    errs,
		Files:     jobs,
		Progress:  tracker,
		DB:        db,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, web.Options{
		UploadDir:      cfg.Pipeline.UploadDir,
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		RequestTimeout: cfg.Server.RequestTimeout,
		TrustedProxies: cfg.Security.TrustedProxies,
		RateLimit:      cfg.Server.RateLimit,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(cfg.Server.Addr()); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Queue.URL != "" {
		consumer := queue.NewConsumer(queue.Config{
			URL:      cfg.Queue.URL,
			Queue:    cfg.Queue.Name,
			Prefetch: cfg.Queue.Prefetch,
			BaseDir:  cfg.Pipeline.UploadDir,
		}, sched, slog.Default())
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", "error", err)
		}

		active := sched.Limiter().Active
		if active > 0 {
			slog.Info("waiting for jobs to finish", "active", active)
		}
		if err := sched.Drain(shutdownCtx); err != nil {
			slog.Warn("jobs did not finish in time, aborting them", "error", err)
		} else {
			slog.Info("all jobs finished")
		}
		return nil
	})

	return g.Wait()
}
