package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedReference means no resolver strategy produced an external reference yet.
	ErrUnresolvedReference = errors.New("payment: external reference unresolved")

	// ErrRetryBudgetExhausted means attempts reached maxAttempts without a terminal status.
	ErrRetryBudgetExhausted = errors.New("payment: retry budget exhausted")

	// ErrMalformedDeepLink is returned for app-scheme URLs that are not payment returns.
	ErrMalformedDeepLink = errors.New("payment: malformed deep link")

	// ErrReferenceMismatch means a signal contradicts the reference already bound to a session.
	ErrReferenceMismatch = errors.New("payment: external reference mismatch")
)

// TransientError wraps a network, timeout or 5xx failure of a remote status query.
// It is counted against the retry budget but never stops polling.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment: transient %s failure", e.Op)
	}
	return fmt.Sprintf("payment: transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a well-formed rejection from the backend (e.g. unknown reference).
// Retrying is pointless: polling stops and the user sees an error.
type PermanentError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment: permanent failure (http %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payment: permanent failure %s (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// NewTransientError wraps err as a TransientError.
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ReferenceMismatchError builds an ErrReferenceMismatch carrying both identifiers.
func ReferenceMismatchError(localID, bound, incoming string) error {
	return fmt.Errorf("%w: session %s is bound to %q, got %q", ErrReferenceMismatch, localID, bound, incoming)
}
