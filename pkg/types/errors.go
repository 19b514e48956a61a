package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can pick a recovery policy
// without matching on error strings.
type ErrorKind string

const (
	// KindConfig marks invalid configuration. Fatal at startup, never
	// produced at runtime.
	KindConfig ErrorKind = "config"
	// KindValidation marks a malformed signal, bar, or order. Denied
	// synchronously and logged, not fatal.
	KindValidation ErrorKind = "validation"
	// KindTransientVenue marks rate limits, 5xx, timeouts, disconnects.
	// Retried with exponential backoff up to a cap.
	KindTransientVenue ErrorKind = "transient_venue"
	// KindPermanentVenue marks insufficient balance, unknown symbol, bad
	// signature. Never retried.
	KindPermanentVenue ErrorKind = "permanent_venue"
	// KindRiskDenied marks a pre-trade gate rejection. A normal outcome,
	// not an error condition.
	KindRiskDenied ErrorKind = "risk_denied"
	// KindDataGap marks a detected feed gap. Strategies may quiesce.
	KindDataGap ErrorKind = "data_gap"
	// KindIntegrity marks a broken audit chain. Fatal when detected during
	// write, reported when found during verification.
	KindIntegrity ErrorKind = "integrity"
	// KindInternal marks any unexpected condition. The affected task is
	// restarted.
	KindInternal ErrorKind = "internal"
)

// EngineError carries a kind alongside the wrapped cause. Op names the
// operation that failed, in "package.operation" form.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind ErrorKind, op string, err error) error {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// Ef is E with printf formatting for the cause.
func Ef(kind ErrorKind, op, format string, args ...any) error {
	return &EngineError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from anywhere in err's chain. Unclassified
// errors are internal.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// Retryable reports whether the error should be retried with backoff.
func Retryable(err error) bool { return KindOf(err) == KindTransientVenue }
