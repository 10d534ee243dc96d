// Package pipeline drives one file through read, validate and load.
//
// A Runner executes a single attempt of a Job: it pulls batches from the
// Reader strictly in order, validates each with a Validator that lives for
// that attempt only, loads the valid subset, keeps a bounded sample of
// errors, and publishes monotonically increasing progress. Cancellation and
// deadlines are honoured only between batches.
//
// A Runner never retries. It returns an error and Retryable tells the
// caller whether another attempt makes sense.
package pipeline

import (
	"fmt"
	"time"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed moves. failed -> pending is a scheduled
// retry; cancelled is reachable only from running.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusPending},
}

// Terminal reports whether no further transition is possible without a
// retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a request to load one file.
type Job struct {
	ID     string `json:"id"`
	FileID string `json:"file_id,omitempty"`
	Path   string `json:"path"`

	// Format is detected from the extension when empty.
	Format ingest.Format `json:"format,omitempty"`

	// Target is a registered target key, "auto" or empty for detection.
	Target string `json:"target,omitempty"`

	// Table, Mapping and KeyColumns override the target's own.
	Table      string            `json:"table,omitempty"`
	Mapping    map[string]string `json:"mapping,omitempty"`
	KeyColumns []string          `json:"key_columns,omitempty"`

	// Mode and Conflict override the runner defaults when set.
	Mode     load.Mode   `json:"mode,omitempty"`
	Conflict load.Policy `json:"conflict,omitempty"`

	// Attempt is 0 for the first run and counts retries after that.
	Attempt int `json:"attempt"`
}

// State is the observable record of a job.
type State struct {
	ID            string     `json:"id"`
	FileID        string     `json:"file_id,omitempty"`
	Target        string     `json:"target,omitempty"`
	Status        Status     `json:"status"`
	Progress      float64    `json:"progress"`
	Attempt       int        `json:"attempt"`
	TotalRows     int        `json:"total_rows"`
	RowsProcessed int        `json:"rows_processed"`
	ValidRows     int        `json:"valid_rows"`
	ErrorRows     int        `json:"error_rows"`
	Load          load.Stats `json:"load"`
	ErrorsStored  int        `json:"errors_stored"`
	ErrorsDropped int        `json:"errors_dropped"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewState returns a pending state for job.
func NewState(job Job) *State {
	return &State{
		ID:        job.ID,
		FileID:    job.FileID,
		Target:    job.Target,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Transition moves the state to next, stamping start and completion times.
func (s *State) Transition(next Status) error {
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("job %s: invalid transition %s -> %s", s.ID, s.Status, next)
	}
	now := time.Now().UTC()

	switch next {
	case StatusRunning:
		s.StartedAt = &now
		s.CompletedAt = nil
	case StatusPending:
		s.CompletedAt = nil
	default:
		s.CompletedAt = &now
	}
	s.Status = next
	return nil
}

// SetProgress raises the progress to p, clamped to [0,100]. It never moves
// progress backwards.
func (s *State) SetProgress(p float64) {
	if p > 100 {
		p = 100
	}
	if p > s.Progress {
		s.Progress = p
	}
}

// beginAttempt resets per-attempt counters. Progress restarts at zero
// because a retry reprocesses the file from the first batch.
func (s *State) beginAttempt(attempt int) {
	s.Attempt = attempt
	s.Progress = 0
	s.TotalRows = 0
	s.RowsProcessed = 0
	s.ValidRows = 0
	s.ErrorRows = 0
	s.Load = load.Stats{}
	s.ErrorsStored = 0
	s.ErrorsDropped = 0
	s.ErrorMessage = ""
}

// percent computes processed/total as a percentage, capped at 100. An empty
// file is complete as soon as it is read.
func percent(processed, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(processed) * 100 / float64(total)
	if p > 100 {
		return 100
	}
	return p
}
