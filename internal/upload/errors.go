package upload

import (
	"errors"
	"fmt"
)

var (
	ErrNoFiles          = errors.New("no files selected")
	ErrNoEndpoints      = errors.New("no endpoints configured")
	ErrEndpointID       = errors.New("endpoint id is empty")
	ErrDuplicateID      = errors.New("duplicate endpoint id")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrRunInProgress    = errors.New("upload run in progress")
	ErrNothingToRetry   = errors.New("no failed uploads to retry")
	ErrClosed           = errors.New("orchestrator closed")
)

// ValidationError rejects a run (or a limits change) before anything starts.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Err != nil && e.Field == "":
		return "validation: " + e.Err.Error()
	case e.Err != nil:
		return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProtocolError is an attempt that reached the server but got a non-2xx
// answer.
type ProtocolError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status) }
