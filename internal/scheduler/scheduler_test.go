package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/progress"
)

// scriptRunner returns the next scripted error on every attempt. Once the
// script runs out it keeps returning the last entry.
type scriptRunner struct {
	mu       sync.Mutex
	script   []error
	attempts []int

	// block, when set, makes each attempt wait for cancel or ctx.
	block bool
}

func (r *scriptRunner) Run(ctx context.Context, job pipeline.Job, cancel <-chan struct{}) (pipeline.State, error) {
	r.mu.Lock()
	r.attempts = append(r.attempts, job.Attempt)
	var err error
	if n := len(r.attempts) - 1; len(r.script) > 0 {
		err = r.script[min(n, len(r.script)-1)]
	}
	r.mu.Unlock()

	if r.block {
		select {
		case <-cancel:
			err = pipeline.ErrCancelled
		case <-ctx.Done():
			err = fmt.Errorf("%w: %w", pipeline.ErrAborted, context.Cause(ctx))
		}
	}

	status := pipeline.StatusCompleted
	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		status = pipeline.StatusCancelled
	case err != nil:
		status = pipeline.StatusFailed
	}

	st := pipeline.NewState(job)
	st.Attempt = job.Attempt
	_ = st.Transition(pipeline.StatusRunning)
	_ = st.Transition(status)
	return *st, err
}

func (r *scriptRunner) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...)
}

// recordingTimer fires immediately and remembers each requested delay.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *recordingTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *recordingTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

func newTestScheduler(r Runner, cfg Config) (*Scheduler, *recordingTimer) {
	timer := &recordingTimer{}
	s := New(r, cfg)
	s.timer = timer
	return s, timer
}

func waitFor(t *testing.T, s *Scheduler, id string) (Status, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx, id)
}

func transient() error {
	return &load.TransientError{Err: errors.New("connection reset by peer")}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Minute}
	assert.Equal(t, time.Minute, p.Delay(0))
	assert.Equal(t, 2*time.Minute, p.Delay(1))
	assert.Equal(t, 4*time.Minute, p.Delay(2))
	assert.Equal(t, uint(4), p.attempts())
	assert.Equal(t, uint(1), Policy{MaxRetries: -1}.attempts())
}

func TestScheduler_Completes(t *testing.T) {
	r := &scriptRunner{}
	s, timer := newTestScheduler(r, Config{Retry: Policy{MaxRetries: 3, BaseDelay: time.Second}})

	st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)
	require.NotEmpty(t, st.ID, "id assigned")
	assert.Equal(t, 4, st.MaxAttempts)

	final, err := waitFor(t, s, st.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, []int{0}, r.seen())
	assert.Empty(t, timer.recorded())
	assert.Equal(t, 0, s.Limiter().Active(), "slot released")
}

func TestScheduler_TransientFailureRetriesUntilCeiling(t *testing.T) {
	r := &scriptRunner{script: []error{transient()}}
	s, timer := newTestScheduler(r, Config{Retry: Policy{MaxRetries: 2, BaseDelay: time.Second}})

	st, err := s.Submit(context.Background(), pipeline.Job{ID: "j1", Path: "a.csv"})
	require.NoError(t, err)

	final, err := waitFor(t, s, st.ID)
	assert.True(t, load.IsTransient(err))
	assert.Equal(t, pipeline.StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempt)
	assert.Nil(t, final.NextRetryAt, "no retry after the ceiling")

	assert.Equal(t, []int{0, 1, 2}, r.seen())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.recorded())
	assert.Equal(t, 0, s.Limiter().Active())
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	r := &scriptRunner{script: []error{transient(), nil}}
	s, timer := newTestScheduler(r, Config{Retry: Policy{MaxRetries: 3, BaseDelay: 10 * time.Second}})

	st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)

	final, err := waitFor(t, s, st.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Attempt)
	assert.Equal(t, []time.Duration{10 * time.Second}, timer.recorded())
}

func TestScheduler_TerminalFailureNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"empty file", ingest.ErrEmptyFile},
		{"schema mismatch", load.ErrSchemaMismatch},
		{"aborted", pipeline.ErrAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptRunner{script: []error{tt.err}}
			s, timer := newTestScheduler(r, Config{Retry: Policy{MaxRetries: 3, BaseDelay: time.Second}})

			st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
			require.NoError(t, err)

			final, err := waitFor(t, s, st.ID)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, pipeline.StatusFailed, final.Status)
			assert.Equal(t, []int{0}, r.seen())
			assert.Empty(t, timer.recorded())
		})
	}
}

func TestScheduler_TimedOutAttemptIsRetried(t *testing.T) {
	r := &scriptRunner{block: true}
	s, timer := newTestScheduler(r, Config{
		JobTimeout: 20 * time.Millisecond,
		Retry:      Policy{MaxRetries: 1, BaseDelay: time.Second},
	})

	st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)

	final, err := waitFor(t, s, st.ID)
	assert.ErrorIs(t, err, pipeline.ErrTimedOut)
	assert.Equal(t, pipeline.StatusFailed, final.Status)
	assert.Equal(t, []int{0, 1}, r.seen())
	assert.Equal(t, []time.Duration{time.Second}, timer.recorded())
}

func TestScheduler_Cancel(t *testing.T) {
	r := &scriptRunner{block: true}
	s, _ := newTestScheduler(r, Config{Retry: Policy{MaxRetries: 3, BaseDelay: time.Second}})

	st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(st.ID))

	final, err := waitFor(t, s, st.ID)
	assert.ErrorIs(t, err, pipeline.ErrCancelled)
	assert.Equal(t, pipeline.StatusCancelled, final.Status)
	assert.Equal(t, []int{0}, r.seen(), "cancelled jobs are never retried")

	assert.ErrorIs(t, s.Cancel(st.ID), ErrFinished)
	assert.ErrorIs(t, s.Cancel("missing"), ErrNotFound)
}

func TestScheduler_BusyWhenSlotsFull(t *testing.T) {
	r := &scriptRunner{block: true}
	s, _ := newTestScheduler(r, Config{MaxConcurrent: 1, MaxWait: 50 * time.Millisecond})

	first, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), pipeline.Job{Path: "b.csv"})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, s.Cancel(first.ID))
	_, _ = waitFor(t, s, first.ID)
}

func TestScheduler_DuplicateAndUnknown(t *testing.T) {
	r := &scriptRunner{}
	s, _ := newTestScheduler(r, Config{})

	_, err := s.Submit(context.Background(), pipeline.Job{ID: "dup", Path: "a.csv"})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), pipeline.Job{ID: "dup", Path: "a.csv"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Status("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = waitFor(t, s, "dup")
	assert.Len(t, s.List(), 1)
}

func TestScheduler_FinishedJobsAreDroppedAfterRetention(t *testing.T) {
	tracker := progress.NewTracker()
	_ = tracker.Publish(context.Background(), progress.Update{JobID: "j1", Status: string(pipeline.StatusRunning)})

	s := New(&scriptRunner{}, Config{Retention: 20 * time.Millisecond}, WithTracker(tracker))
	_, err := s.Submit(context.Background(), pipeline.Job{ID: "j1", Path: "a.csv"})
	require.NoError(t, err)

	final, err := waitFor(t, s, "j1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)

	require.Eventually(t, func() bool {
		_, err := s.Status("j1")
		return errors.Is(err, ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, s.List())
	_, ok := tracker.Latest("j1")
	assert.False(t, ok, "tracked progress dropped with the job")
}

func TestScheduler_DrainWaitsThenRejects(t *testing.T) {
	r := &scriptRunner{}
	s, _ := newTestScheduler(r, Config{})

	st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	final, err := s.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)

	_, err = s.Submit(context.Background(), pipeline.Job{Path: "b.csv"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_DrainDeadlineAbortsRunningJobs(t *testing.T) {
	r := &scriptRunner{block: true}
	s, _ := newTestScheduler(r, Config{})

	st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)

	final, err := waitFor(t, s, st.ID)
	assert.ErrorIs(t, err, pipeline.ErrAborted)
	assert.Equal(t, pipeline.StatusFailed, final.Status)
	assert.Equal(t, []int{0}, r.seen())
}

func TestScheduler_StatusShowsLiveProgress(t *testing.T) {
	r := &scriptRunner{block: true}
	tracker := progress.NewTracker()
	s := New(r, Config{}, WithTracker(tracker))

	st, err := s.Submit(context.Background(), pipeline.Job{Path: "a.csv"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, _ := s.Status(st.ID)
		return cur.Status == pipeline.StatusRunning
	}, time.Second, 5*time.Millisecond)

	_ = tracker.Publish(context.Background(), progress.Update{
		JobID:         st.ID,
		Status:        string(pipeline.StatusRunning),
		Percent:       40,
		RowsProcessed: 4,
		TotalRows:     10,
	})

	cur, err := s.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, cur.Progress)
	assert.Equal(t, 4, cur.RowsProcessed)

	require.NoError(t, s.Cancel(st.ID))
	_, _ = waitFor(t, s, st.ID)
}
