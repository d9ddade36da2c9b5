package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider failure.
type Kind int

// Provider failure kinds
const (
	KindUnavailable Kind = iota + 1 // network error or 5xx
	KindRateLimited
	KindTimeout
	KindNotFound // unknown or invalid symbol, no data for the request
	KindAuthFailure
	KindUnsupported
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindAuthFailure:
		return "auth_failure"
	case KindUnsupported:
		return "unsupported"
	case KindMalformed:
		return "malformed"
	}
	return "unknown"
}

// Error is the typed failure every provider call reports.
type Error struct {
	Kind     Kind
	Provider string

	// Reason is a human readable description from the adapter
	Reason string

	// Capability is set for KindUnsupported
	Capability Capability

	// RetryAfter is the vendor's hint for KindRateLimited, zero when absent
	RetryAfter time.Duration

	// Err is the underlying cause, if any
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	switch {
	case e.Kind == KindUnsupported && e.Capability != CapNone:
		msg += " (" + e.Capability.String() + ")"
	case e.Kind == KindRateLimited && e.RetryAfter > 0:
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindTimeout})
// works regardless of provider and reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// Recoverable reports whether retrying the same provider later may succeed.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindUnavailable, KindRateLimited, KindTimeout:
		return true
	}
	return false
}

// Constructors used by adapters.

func Unavailable(reason string, err error) *Error {
	return &Error{Kind: KindUnavailable, Reason: reason, Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}

func Timeout(err error) *Error {
	return &Error{Kind: KindTimeout, Err: err}
}

func NotFound(reason string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason}
}

func AuthFailure(reason string) *Error {
	return &Error{Kind: KindAuthFailure, Reason: reason}
}

func Unsupported(c Capability) *Error {
	return &Error{Kind: KindUnsupported, Capability: c}
}

func Malformed(reason string, err error) *Error {
	return &Error{Kind: KindMalformed, Reason: reason, Err: err}
}

// KindOf returns the kind of err, or zero when err is not a provider error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Normalize converts any error returned by an adapter into a *Error tagged with name.
// Context deadline errors become KindTimeout; anything untyped becomes KindUnavailable.
func Normalize(name string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Provider == name {
			return pe
		}
		cp := *pe
		cp.Provider = name
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: name, Err: err}
	}
	return &Error{Kind: KindUnavailable, Provider: name, Err: err}
}
