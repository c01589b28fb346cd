// Package apperr defines the error taxonomy shared by the ingestion and
// scoring packages.
//
//	Transient        retryable provider failure (timeout, 5xx, unreadable body).
//	Permanent        non-retryable (unknown station, bad station config, invalid values).
//	ErrQuotaExceeded the provider's daily quota is spent; retry on the next window.
//	ErrAlreadyRunning a run for the same pipeline is in progress.
//	ErrInsufficientData training precondition not met.
//
// Everything else is a plain Go error wrapped with fmt.Errorf("context: %w", err).
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaExceeded    = errors.New("provider quota exceeded")
	ErrAlreadyRunning   = errors.New("pipeline already running")
	ErrInsufficientData = errors.New("insufficient training data")
	ErrNoModel          = errors.New("no active model")
	ErrNotFound         = errors.New("not found")
)

type Kind int

const (
	KindTransient Kind = iota + 1
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// FetchError is returned by station fetchers.
type FetchError struct {
	Kind      Kind
	StationID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch error for %s: %v", e.Kind, e.StationID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func Transient(stationID string, err error) error {
	return &FetchError{Kind: KindTransient, StationID: stationID, Err: err}
}

func Permanent(stationID string, err error) error {
	return &FetchError{Kind: KindPermanent, StationID: stationID, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient FetchError.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindTransient
}

// IsPermanent reports whether err is (or wraps) a permanent FetchError.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindPermanent
}

// Reason returns a short label for metrics and progress events.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case IsTransient(err):
		return "transient"
	case IsPermanent(err):
		return "permanent"
	default:
		return "error"
	}
}
