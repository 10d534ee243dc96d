// Package scheduler runs pipeline jobs on a bounded pool of workers,
// retrying retryable failures with exponential backoff and delivering
// cancel requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/JonMunkholm/dataload/internal/metrics"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/progress"
)

var (
	ErrClosed    = errors.New("scheduler is shutting down")
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already submitted")
	ErrFinished  = errors.New("job already finished")
)

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job, cancel <-chan struct{}) (pipeline.State, error)
}

// Policy is the retry policy for failed attempts.
type Policy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy retries three times starting one minute apart.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Minute}
}

// Delay is the wait before retry n, counted from zero: BaseDelay × 2^n.
func (p Policy) Delay(n int) time.Duration {
	return p.BaseDelay << uint(n)
}

func (p Policy) attempts() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}

// Config tunes a Scheduler.
type Config struct {
	MaxConcurrent int
	MaxWait       time.Duration

	// JobTimeout bounds each attempt. The runner notices it at the next
	// batch boundary and fails the attempt, which is then retried. Zero
	// disables it.
	JobTimeout time.Duration

	// Retention is how long a finished job stays queryable before it and
	// its tracked progress are dropped. Defaults to five minutes.
	Retention time.Duration

	Retry Policy
}

// Status is a job's state as the scheduler sees it.
type Status struct {
	pipeline.State
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

type entry struct {
	job       pipeline.Job
	state     pipeline.State
	nextRetry *time.Time
	err       error

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// Scheduler owns the retry loop and the cancel signal of every job it
// accepts. Finished jobs stay queryable for the retention period.
type Scheduler struct {
	runner    Runner
	limiter   *Limiter
	policy    Policy
	timeout   time.Duration
	retention time.Duration
	tracker   *progress.Tracker
	metrics   *metrics.Metrics
	log       *slog.Logger
	timer     retry.Timer

	ctx  context.Context
	stop context.CancelCauseFunc

	mu     sync.Mutex
	jobs   map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

// WithTracker overlays live progress from t onto running jobs' status.
func WithTracker(t *progress.Tracker) Option { return func(s *Scheduler) { s.tracker = t } }
func WithMetrics(m *metrics.Metrics) Option  { return func(s *Scheduler) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option       { return func(s *Scheduler) { s.log = l } }

// New returns a Scheduler running jobs through runner.
func New(runner Runner, cfg Config, opts ...Option) *Scheduler {
	ctx, stop := context.WithCancelCause(context.Background())
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}

	s := &Scheduler{
		runner:    runner,
		limiter:   NewLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		policy:    cfg.Retry,
		timeout:   cfg.JobTimeout,
		retention: cfg.Retention,
		log:       slog.Default(),
		ctx:       ctx,
		stop:      stop,
		jobs:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "scheduler")
	return s
}

// Submit admits job and starts it in the background. It waits for a free
// worker slot up to the configured limit and fails with ErrBusy after
// that. A job without an id gets a new UUID.
func (s *Scheduler) Submit(ctx context.Context, job pipeline.Job) (Status, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.admissible(job.ID); err != nil {
		return Status{}, err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	if err := s.admissibleLocked(job.ID); err != nil {
		s.mu.Unlock()
		s.limiter.Release()
		return Status{}, err
	}
	e := &entry{
		job:    job,
		state:  *pipeline.NewState(job),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.jobs[job.ID] = e
	s.wg.Add(1)
	st := s.snapshotLocked(e)
	s.mu.Unlock()

	s.log.Info("job submitted", "job_id", job.ID, "path", job.Path, "target", job.Target)
	go s.run(e)
	return st, nil
}

func (s *Scheduler) admissible(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admissibleLocked(id)
}

func (s *Scheduler) admissibleLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	return nil
}

// run drives e through its attempts. The job holds a worker slot while an
// attempt runs and gives it up during a backoff wait.
func (s *Scheduler) run(e *entry) {
	defer s.wg.Done()
	defer close(e.done)

	log := s.log.With("job_id", e.job.ID)
	held := true
	defer func() {
		if held {
			s.limiter.Release()
		}
	}()

	attempt := 0
	opts := []retry.Option{
		retry.Attempts(s.policy.attempts()),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return s.policy.Delay(int(n))
		}),
		retry.LastErrorOnly(true),
		retry.Context(s.ctx),
	}
	if s.timer != nil {
		opts = append(opts, retry.WithTimer(s.timer))
	}

	err := retry.Do(func() error {
		if attempt > 0 {
			s.beginRetry(e)
			if err := s.limiter.Wait(s.ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("%w: %v", pipeline.ErrAborted, context.Cause(s.ctx)))
			}
			held = true
		}

		job := e.job
		job.Attempt = attempt
		attempt++

		err := s.runAttempt(e, job)
		switch {
		case err == nil:
			return nil
		case !pipeline.Retryable(err):
			return retry.Unrecoverable(err)
		}

		if uint(attempt) < s.policy.attempts() {
			delay := s.policy.Delay(attempt - 1)
			at := time.Now().Add(delay)

			s.mu.Lock()
			e.nextRetry = &at
			s.mu.Unlock()

			s.limiter.Release()
			held = false
			s.metrics.RetryScheduled()
			log.Warn("job failed, retry scheduled",
				"attempt", job.Attempt,
				"delay", delay,
				"error", err,
			)
		}
		return err
	}, opts...)

	s.mu.Lock()
	e.err = err
	e.nextRetry = nil
	s.mu.Unlock()

	if err != nil && pipeline.Retryable(err) {
		log.Error("job failed after final attempt", "attempts", attempt, "error", err)
	}
	s.forgetAfter(e.job.ID, s.retention)
}

// forgetAfter drops a finished job once d has passed.
func (s *Scheduler) forgetAfter(id string, d time.Duration) {
	time.AfterFunc(d, func() {
		if s.tracker != nil {
			s.tracker.Forget(id)
		}

		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		s.log.Debug("finished job dropped from memory", "job_id", id)
	})
}

func (s *Scheduler) runAttempt(e *entry, job pipeline.Job) error {
	ctx, cancel := s.attemptContext()
	defer cancel()

	s.mu.Lock()
	e.nextRetry = nil
	e.state.Attempt = job.Attempt
	_ = e.state.Transition(pipeline.StatusRunning)
	s.mu.Unlock()

	s.metrics.WorkerStarted()
	defer s.metrics.WorkerDone()

	st, err := s.runner.Run(ctx, job, e.cancel)

	s.mu.Lock()
	e.state = st
	s.mu.Unlock()
	return err
}

func (s *Scheduler) attemptContext() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(s.ctx)
	}
	return context.WithTimeoutCause(s.ctx, s.timeout, pipeline.ErrTimedOut)
}

// beginRetry moves a failed job back to pending for its next attempt.
func (s *Scheduler) beginRetry(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := e.state.Transition(pipeline.StatusPending); err != nil {
		s.log.Warn("retry transition", "job_id", e.job.ID, "error", err)
	}
}

// Cancel asks a job to stop at its next batch boundary. A job waiting for
// a retry is cancelled once its next attempt starts.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-e.done:
		return fmt.Errorf("%w: %s", ErrFinished, id)
	default:
	}

	e.cancelOnce.Do(func() { close(e.cancel) })
	s.log.Info("job cancel requested", "job_id", id)
	return nil
}

// Status returns a job's current status.
func (s *Scheduler) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.snapshotLocked(e), nil
}

// List returns the status of every job the scheduler knows.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.snapshotLocked(e))
	}
	return out
}

func (s *Scheduler) snapshotLocked(e *entry) Status {
	st := Status{
		State:       e.state,
		MaxAttempts: int(s.policy.attempts()),
		NextRetryAt: e.nextRetry,
	}
	if st.Status == pipeline.StatusRunning && s.tracker != nil {
		if u, ok := s.tracker.Latest(e.job.ID); ok && u.Status == string(pipeline.StatusRunning) {
			st.Progress = u.Percent
			st.RowsProcessed = u.RowsProcessed
			st.TotalRows = u.TotalRows
		}
	}
	return st
}

// Wait blocks until the job has finished all its attempts and returns its
// final status with the error of the last attempt.
func (s *Scheduler) Wait(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(e), e.err
}

// Limiter reports worker slot usage.
func (s *Scheduler) Limiter() LimiterStatus { return s.limiter.Status() }

// Drain stops admitting jobs and waits for the running ones to finish.
// When ctx ends first, every job is told to abort at its next batch
// boundary and ctx's error is returned.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop(ErrClosed)
		return nil
	case <-ctx.Done():
		s.stop(fmt.Errorf("%w: %v", ErrClosed, ctx.Err()))
		return ctx.Err()
	}
}
