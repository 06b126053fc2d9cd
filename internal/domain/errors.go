package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind decides how a failed job is retried.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

type errorClass int

const (
	classPlain errorClass = iota
	classSerialization
	classConfig
)

// ProcessingError is the error type processors return to steer the worker.
// Plain errors are treated as transient.
type ProcessingError struct {
	Kind ErrorKind
	Msg  string
	// RetryAfter overrides the backoff schedule for one attempt. Only
	// honoured for KindRateLimited.
	RetryAfter time.Duration
	Err        error

	class errorClass
}

func (e *ProcessingError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch e.class {
	case classSerialization:
		return "serialization error: " + msg
	case classConfig:
		return "config error: " + msg
	}
	switch e.Kind {
	case KindPermanent:
		return "permanent error: " + msg
	case KindRateLimited:
		return "rate limited: " + msg
	default:
		return "transient error: " + msg
	}
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func Transient(msg string) *ProcessingError {
	return &ProcessingError{Kind: KindTransient, Msg: msg}
}

func Transientf(format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: KindTransient, Msg: fmt.Sprintf(format, args...)}
}

func Permanent(msg string) *ProcessingError {
	return &ProcessingError{Kind: KindPermanent, Msg: msg}
}

func Permanentf(format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: KindPermanent, Msg: fmt.Sprintf(format, args...)}
}

// RateLimited reports throttling by a downstream. A positive retryAfter
// replaces the scheduled backoff for the next attempt.
func RateLimited(msg string, retryAfter time.Duration) *ProcessingError {
	return &ProcessingError{Kind: KindRateLimited, Msg: msg, RetryAfter: retryAfter}
}

// Serialization wraps a payload decode failure. Always permanent.
func Serialization(err error) *ProcessingError {
	return &ProcessingError{Kind: KindPermanent, Err: err, class: classSerialization}
}

// Config reports a misconfiguration that retrying cannot fix.
func Config(msg string) *ProcessingError {
	return &ProcessingError{Kind: KindPermanent, Msg: msg, class: classConfig}
}

// Wrap attaches a kind to an arbitrary error.
func Wrap(kind ErrorKind, err error) *ProcessingError {
	return &ProcessingError{Kind: kind, Err: err}
}

// KindOf classifies err. Errors that carry no kind are transient.
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the retry hint carried by a rate limited error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) && pe.Kind == KindRateLimited && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}
