// Package progress carries job progress updates from the pipeline to
// whoever is watching: in-process subscribers, Redis, or several at once.
package progress

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Update is one progress report for a job.
type Update struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	Percent       float64   `json:"progress"`
	RowsProcessed int       `json:"rows_processed"`
	TotalRows     int       `json:"total_rows"`
	At            time.Time `json:"at"`
}

// Done reports whether the update carries a terminal status.
func (u Update) Done() bool {
	switch u.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Sink accepts progress updates.
type Sink interface {
	Publish(ctx context.Context, u Update) error
}

// Multi fans an update out to every sink, returning their joined errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, u Update) error {
	var errs *multierror.Error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, u); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Discard drops every update.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Update) error { return nil }
