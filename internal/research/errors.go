package research

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across package boundaries.
var (
	// ErrRateLimitTimeout means the deadline elapsed while waiting for a
	// rate-limit slot; callers treat it as a transient connector failure.
	ErrRateLimitTimeout = errors.New("rate limit wait exceeded deadline")
	// ErrPipelineFatal means the query produced zero usable input or every
	// connector failed permanently.
	ErrPipelineFatal = errors.New("pipeline fatal: no usable input")
	// ErrCancelled means the query was cancelled by the caller.
	ErrCancelled = errors.New("cancelled")
	// ErrNotReady means the artifact is not yet available.
	ErrNotReady = errors.New("result not ready")
	// ErrNotFound means no state exists for the requested query ID.
	ErrNotFound = errors.New("query not found")
)

// ErrorKind splits connector failures into retryable and terminal classes.
type ErrorKind int

const (
	// KindTransient failures (timeouts, 5xx, rate limiting) are retried with
	// backoff up to the policy's attempt bound.
	KindTransient ErrorKind = iota
	// KindPermanent failures (404, malformed query) are recorded and the task
	// is marked failed without retry.
	KindPermanent
)

// ConnectorError wraps a failure from a source connector with its retry class.
type ConnectorError struct {
	ConnectorID string
	Kind        ErrorKind
	Err         error
}

func (e *ConnectorError) Error() string {
	kind := "transient"
	if e.Kind == KindPermanent {
		kind = "permanent"
	}
	return fmt.Sprintf("connector %s: %s: %v", e.ConnectorID, kind, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable connector failure.
func Transient(connectorID string, err error) *ConnectorError {
	return &ConnectorError{ConnectorID: connectorID, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable connector failure.
func Permanent(connectorID string, err error) *ConnectorError {
	return &ConnectorError{ConnectorID: connectorID, Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err carries a retryable connector failure.
// Rate-limit timeouts count as transient.
func IsTransient(err error) bool {
	if errors.Is(err, ErrRateLimitTimeout) {
		return true
	}
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind == KindTransient
	}
	return false
}

// IsPermanent reports whether err carries a terminal connector failure.
func IsPermanent(err error) bool {
	var ce *ConnectorError
	return errors.As(err, &ce) && ce.Kind == KindPermanent
}
