// Package queue feeds jobs published to an AMQP queue into the scheduler.
//
// A message is acknowledged once the scheduler has admitted its job. From
// then on the scheduler owns retries, so a message is never redelivered
// because its job failed.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
	"github.com/JonMunkholm/dataload/internal/pipeline"
)

// ErrInvalidMessage marks a message that can never become a job.
var ErrInvalidMessage = errors.New("invalid job message")

// Message is the JSON body of a job message.
type Message struct {
	// JobID makes redelivery idempotent. Must be a UUID when set.
	JobID      string            `json:"job_id"`
	FileID     string            `json:"file_id"`
	Path       string            `json:"path"`
	Format     string            `json:"format"`
	Target     string            `json:"target"`
	Table      string            `json:"table"`
	Mapping    map[string]string `json:"mapping"`
	KeyColumns []string          `json:"key_columns"`
	Mode       string            `json:"mode"`
	Conflict   string            `json:"conflict"`
}

// Decode parses body into a job. When baseDir is set the path is resolved
// inside it; absolute paths and ".." cannot leave it.
func Decode(body []byte, baseDir string) (pipeline.Job, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return pipeline.Job{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m.Job(baseDir)
}

// Job validates the message and builds the job it describes.
func (m Message) Job(baseDir string) (pipeline.Job, error) {
	if m.Path == "" {
		return pipeline.Job{}, fmt.Errorf("%w: path is required", ErrInvalidMessage)
	}
	if m.JobID != "" {
		if _, err := uuid.Parse(m.JobID); err != nil {
			return pipeline.Job{}, fmt.Errorf("%w: job_id: %v", ErrInvalidMessage, err)
		}
	}

	job := pipeline.Job{
		ID:         m.JobID,
		FileID:     m.FileID,
		Path:       m.Path,
		Target:     m.Target,
		Table:      m.Table,
		Mapping:    m.Mapping,
		KeyColumns: m.KeyColumns,
	}
	if baseDir != "" {
		job.Path = filepath.Join(baseDir, filepath.FromSlash(path.Clean("/"+m.Path)))
	}

	var err error
	if m.Format != "" {
		if job.Format, err = ingest.ParseFormat(m.Format); err != nil {
			return pipeline.Job{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	if m.Mode != "" {
		if job.Mode, err = load.ParseMode(m.Mode); err != nil {
			return pipeline.Job{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	if m.Conflict != "" {
		if job.Conflict, err = load.ParsePolicy(m.Conflict); err != nil {
			return pipeline.Job{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	return job, nil
}
