package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the recovery policy: infrastructure
// kinds are retried with bounded backoff, domain kinds immediately mark
// state and are never silently retried.
type Kind string

const (
	KindInvalidState       Kind = "invalid_state"
	KindMergeTimeout       Kind = "merge_timeout"
	KindClockOverflow      Kind = "vector_clock_overflow"
	KindStorageError       Kind = "storage_error"
	KindStorageLimit       Kind = "storage_limit"
	KindMigrationFailed    Kind = "migration_failed"
	KindSyncInProgress     Kind = "sync_in_progress"
	KindSyncTimeout        Kind = "sync_timeout"
	KindEMRTimeout         Kind = "emr_timeout"
	KindCircuitOpen        Kind = "circuit_open"
	KindTokenRequestFailed Kind = "token_request_failed"
	KindInvalidResponse    Kind = "invalid_response"
	KindRetriesExhausted   Kind = "retries_exhausted"
	KindEMRMismatch        Kind = "emr_mismatch"
	KindPatientIDMismatch  Kind = "patient_id_mismatch"
	KindStatusMismatch     Kind = "status_mismatch"
	KindDataCorruption     Kind = "data_corruption"
)

// Error is a kinded error carrying the correlation id that is
// propagated across components and into outbound requests.
type Error struct {
	Kind          Kind
	Msg           string
	CorrelationID string
	Err           error
}

// NewError creates a kinded sentinel error
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so sentinel comparisons via
// errors.Is survive wrapping and correlation-id attachment.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// WithCorrelation returns a copy of err carrying the correlation id.
// Non-kinded errors are wrapped as-is.
func WithCorrelation(err error, correlationID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		c := *e
		c.CorrelationID = correlationID
		return &c
	}
	return &Error{Kind: KindOf(err), CorrelationID: correlationID, Err: err}
}

// KindOf extracts the kind of an error, or empty for unkinded errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CorrelationOf extracts the correlation id attached to an error
func CorrelationOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}
