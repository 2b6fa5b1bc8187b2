package serp

import (
	"fmt"
	"strings"
)

// ValidationError is returned for a query rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid query: %s %s", e.Field, e.Reason)
}

// SubmissionError means the remote API refused the task.
type SubmissionError struct {
	HTTPStatus int
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	parts := []string{"search submission failed"}
	if e.HTTPStatus != 0 {
		parts = append(parts, fmt.Sprintf("http=%d", e.HTTPStatus))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ResolutionError means polling reached a terminal non-success status or
// the remote sent something that could not be trusted as a result.
type ResolutionError struct {
	TaskID     string
	StatusCode int
	Message    string
	Err        error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("search task %s failed", e.TaskID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status=%d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TimeoutError means the attempt budget ran out while the task was still
// in a non-terminal status.
type TimeoutError struct {
	TaskID     string
	Attempts   int
	LastStatus StatusClass
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("search task %s still %s after %d attempts", e.TaskID, e.LastStatus, e.Attempts)
}
