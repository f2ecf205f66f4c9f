// -----------------------------------------------------------------------
// Job Error - structured error taxonomy surfaced on jobs and API responses
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry policy and client presentation.
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation"
	ErrKindAuth       ErrorKind = "auth"
	ErrKindNotFound   ErrorKind = "not-found"
	ErrKindNoNode     ErrorKind = "no-node"
	ErrKindSubmit     ErrorKind = "submit"
	ErrKindExecution  ErrorKind = "execution"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindNoOutput   ErrorKind = "no-output"
	ErrKindTransport  ErrorKind = "transport"
	ErrKindInternal   ErrorKind = "internal"
)

// JobError is the structured error recorded on a failed job and returned
// to clients as {"kind", "message", "details"}.
type JobError struct {
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retriable reports whether a rerun or internal retry can reasonably succeed.
// Submit errors are retriable only when the transport failed; node-reported
// graph errors come back as ErrKindExecution instead.
func (e *JobError) Retriable() bool {
	switch e.Kind {
	case ErrKindNoNode, ErrKindSubmit, ErrKindTimeout, ErrKindTransport:
		return true
	default:
		return false
	}
}

// NewJobError creates a JobError with no details.
func NewJobError(kind ErrorKind, format string, args ...interface{}) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsJobError extracts a *JobError from err, wrapping unknown errors as internal.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return &JobError{Kind: ErrKindInternal, Message: err.Error()}
}

// ErrNoMessage is returned when a queue partition is empty.
var ErrNoMessage = errors.New("no messages in queue")
