package models

import (
	"errors"
	"fmt"
)

// ErrorKind buckets failures for retry policy decisions.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindConflict     ErrorKind = "conflict"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindFatal        ErrorKind = "fatal"
	KindCorruption   ErrorKind = "corruption"
)

// Sentinel errors.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrLocked              = errors.New("document locked")
	ErrDuplicationDisabled = errors.New("duplicate target name")
	ErrUnreadable          = errors.New("unreadable")
	ErrNoSpaceLeft         = errors.New("no space left on device")
	ErrRootLost            = errors.New("sync root lost")
	ErrEngineStopped       = errors.New("engine stopped")
	ErrCannotAcquire       = errors.New("cannot acquire pair")
	ErrStateCorrupt        = errors.New("state database corrupt")
	ErrXattrUnsupported    = errors.New("extended attributes unsupported")
)

// RemoteError wraps a gateway failure with its classification.
type RemoteError struct {
	Kind    ErrorKind
	Op      string
	Ref     string
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("remote %s %s [%s]: %s", e.Op, e.Ref, e.Kind, e.Message)
	}
	return fmt.Sprintf("remote %s [%s]: %s", e.Op, e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	switch e.Kind {
	case KindNotFound:
		return ErrNotFound
	case KindUnauthorized:
		return ErrUnauthorized
	case KindForbidden:
		return ErrForbidden
	case KindConflict:
		return ErrConflict
	}
	return nil
}

// SyncError carries context about a failed pair operation.
type SyncError struct {
	Kind   ErrorKind
	PairID int64
	Path   string
	Op     string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sync %s [%s]: pair %d (%s): %v", e.Op, e.Kind, e.PairID, e.Path, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: pair %d: %v", e.Op, e.Kind, e.PairID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Classify maps an error to its retry-policy bucket. Unrecognized
// errors are considered transient so a spurious failure is retried
// before being surfaced.
func Classify(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicationDisabled):
		return KindConflict
	case errors.Is(err, ErrNoSpaceLeft), errors.Is(err, ErrXattrUnsupported):
		return KindFatal
	case errors.Is(err, ErrStateCorrupt):
		return KindCorruption
	case errors.Is(err, ErrLocked):
		return KindTransient
	}
	return KindTransient
}
