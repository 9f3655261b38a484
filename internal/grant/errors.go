package grant

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrSourceBusy     = errors.New("source busy")
	ErrSourceDisabled = errors.New("source disabled")
	ErrJobTerminal    = errors.New("job already terminal")
	ErrWaitTimeout    = errors.New("wait timeout")
)

// ConfigError reports invalid or missing configuration.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s", e.Key, e.Reason)
}

// SourceBusyError rejects a trigger for a source that already has a running job.
type SourceBusyError struct {
	SourceID string
}

func (e *SourceBusyError) Error() string {
	return fmt.Sprintf("source %s already has a running job", e.SourceID)
}

// Is matches ErrSourceBusy.
func (e *SourceBusyError) Is(target error) bool {
	return target == ErrSourceBusy
}

// NotFoundError reports an unknown source or job.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// FetchError covers network failures, timeouts and non-2xx responses.
type FetchError struct {
	SourceID   string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	target := e.URL
	if target == "" {
		target = "source " + e.SourceID
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", target, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the selectors matched nothing on a non-empty page.
type ParseError struct {
	SourceID  string
	URL       string
	Selector  string
	BodyBytes int
	// Body is kept for snapshot archiving and is not part of the message.
	Body []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: selector %q matched no records in %d byte body", e.URL, e.Selector, e.BodyBytes)
}

// ProcessorError wraps a normalization or catalog write failure.
type ProcessorError struct {
	SourceID string
	Err      error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("ingest source %s: %v", e.SourceID, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// IsRetryable reports whether a job attempt that failed with err may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		fetchErr *FetchError
		parseErr *ParseError
		procErr  *ProcessorError
	)
	return errors.As(err, &fetchErr) || errors.As(err, &parseErr) || errors.As(err, &procErr)
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	var (
		fetchErr *FetchError
		parseErr *ParseError
		procErr  *ProcessorError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &procErr):
		return "processor"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
