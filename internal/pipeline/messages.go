package pipeline

// messages.go turns technical job errors into short messages with a code
// support staff can look up. Codes are grouped by category:
//
//	FILE001 unsupported format       FILE002 invalid csv
//	FILE003 empty file               FILE004 file not found
//	VAL001  unknown target           VAL002  schema mismatch
//	VAL003  merge without key columns
//	DB001   duplicate key            DB002   foreign key
//	DB003   connection refused       DB004   connection reset
//	DB005   deadlock / serialization DB006   timeout
//	JOB001  cancelled                JOB002  timed out or aborted
//	JOB003  scheduler busy           JOB004  job not found
//	JOB005  shutting down
//	ERR000  anything else
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage is an error explained for the person who submitted the job.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// File
	{"unsupported file format", UserMessage{"This file type is not supported", "Upload a CSV, Excel or JSON file", "FILE001"}},
	{"invalid csv", UserMessage{"File is not a valid CSV", "Check quoting and delimiters, then upload again", "FILE002"}},
	{"invalid json", UserMessage{"File is not a valid JSON array of records", "Export the data as an array of objects", "FILE002"}},
	{"empty file", UserMessage{"The file has no data rows", "Upload a file with a header and at least one row", "FILE003"}},
	{"no such file", UserMessage{"The uploaded file could not be found", "Upload the file again", "FILE004"}},
	{"file does not exist", UserMessage{"The uploaded file could not be found", "Upload the file again", "FILE004"}},

	// Validation and mapping
	{"unknown target", UserMessage{"The requested data type is not configured", "Choose customers, orders or auto", "VAL001"}},
	{"schema mismatch", UserMessage{"None of the file's columns match the target table", "Check the column headers or supply a mapping", "VAL002"}},
	{"merge requires key columns", UserMessage{"Merge needs key columns present in the file", "Add the key columns or use a different load mode", "VAL003"}},

	// Database
	{"duplicate key", UserMessage{"A record with this key already exists", "Use the skip or update conflict policy", "DB001"}},
	{"unique constraint", UserMessage{"A record with this key already exists", "Use the skip or update conflict policy", "DB001"}},
	{"foreign key", UserMessage{"Referenced record does not exist", "Load parent records first", "DB002"}},
	{"connection refused", UserMessage{"Unable to connect to the database", "The job will be retried automatically", "DB003"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "The job will be retried automatically", "DB004"}},
	{"deadlock", UserMessage{"Database was busy with conflicting work", "The job will be retried automatically", "DB005"}},
	{"serialization", UserMessage{"Database was busy with conflicting work", "The job will be retried automatically", "DB005"}},
	{"timeout", UserMessage{"A database operation timed out", "The job will be retried automatically", "DB006"}},

	// Job lifecycle
	{"job cancelled", UserMessage{"The job was cancelled", "Submit the file again when ready", "JOB001"}},
	{"job timed out", UserMessage{"The job ran past its time limit", "The job will be retried automatically", "JOB002"}},
	{"too many concurrent jobs", UserMessage{"The system is busy with other jobs", "Wait a moment and try again", "JOB003"}},
	{"job not found", UserMessage{"No job with that id exists", "Check the job id", "JOB004"}},
	{"shutting down", UserMessage{"The service is restarting", "Submit the job again in a few minutes", "JOB005"}},
	{"job aborted", UserMessage{"The job was stopped before it finished", "Submit the file again", "JOB002"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Try again or contact support",
	Code:    "ERR000",
}

// MapError returns the message for the first pattern err matches, or the
// ERR000 fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	return mapMessage(err.Error())
}

func mapMessage(s string) UserMessage {
	s = strings.ToLower(s)
	for _, ep := range errorPatterns {
		if strings.Contains(s, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: X). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// Summary maps a stored job error message, as found in State.ErrorMessage.
func Summary(message string) UserMessage {
	if message == "" {
		return UserMessage{}
	}
	return mapMessage(message)
}
