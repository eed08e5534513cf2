package apperrors

import (
	"context"
	"errors"
)

// Kind classifies a failure and drives retry and propagation policy.
type Kind string

const (
	KindTransient           Kind = "transient"
	KindRateLimited         Kind = "rate_limited"
	KindAuth                Kind = "auth"
	KindContentFiltered     Kind = "content_filtered"
	KindInsufficientContent Kind = "insufficient_content"
	KindContentTooLarge     Kind = "content_too_large"
	KindFatal               Kind = "fatal"
	KindCancelled           Kind = "cancelled"
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// Retryable reports whether failures of this kind are worth another attempt.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// KindedError is implemented by errors that carry their own classification.
type KindedError interface {
	error
	ErrorKind() Kind
}

// KindError is a generic classified error used where no richer type exists
// (local validation, stage bookkeeping).
type KindError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// ErrorKind implements KindedError.
func (e *KindError) ErrorKind() Kind {
	return e.Kind
}

// WithKind wraps cause (which may be nil) with an explicit classification.
func WithKind(kind Kind, message string, cause error) error {
	return &KindError{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the classification of err. Unclassified errors are Fatal,
// context cancellation is Cancelled and deadline expiry is Transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var kinded KindedError
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	return KindFatal
}
