package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so retry layers, the scheduler, and the
// control surface can react without inspecting error strings.
type ErrorKind string

const (
	KindAuthExpired    ErrorKind = "AuthExpired"
	KindTransient      ErrorKind = "Transient"
	KindRateLimited    ErrorKind = "RateLimited"
	KindInvalidInput   ErrorKind = "InvalidInput"
	KindInvalidPrice   ErrorKind = "InvalidPrice"
	KindNoContract     ErrorKind = "NoContract"
	KindRiskVeto       ErrorKind = "RiskVeto"
	KindBrokerRejected ErrorKind = "BrokerRejected"
	KindStateConflict  ErrorKind = "StateConflict"
	KindTimeout        ErrorKind = "Timeout"
	KindCancelled      ErrorKind = "Cancelled"
	KindInternal       ErrorKind = "Internal"
)

// Error is a classified error. It carries a kind, a human-readable message,
// and an optional wrapped cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr wraps a cause with a kind and message.
func WrapErr(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification of an error. Unclassified errors map to
// Internal; context errors map to Cancelled/Timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}
