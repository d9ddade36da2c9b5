package router

import (
	"errors"
	"strings"
)

// ErrUnsupportedCapability is returned when no registered, enabled provider declares
// the requested capability. No provider is called.
var ErrUnsupportedCapability = errors.New("no provider supports the requested capability")

// Attempt is the outcome of one candidate within a fetch.
type Attempt struct {
	Provider string `json:"provider"`
	Err      error  `json:"-"`

	// Skipped is set when the provider was not called, because its circuit was open
	// or no rate limit slot was available in time
	Skipped bool `json:"skipped"`
}

// AllProvidersFailedError is returned when every candidate failed or was skipped.
// It keeps the error of each provider in the order they were considered.
type AllProvidersFailedError struct {
	Op       string
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	var b strings.Builder
	b.WriteString("all providers failed for ")
	b.WriteString(e.Op)
	if len(e.Attempts) == 0 {
		b.WriteString(": no candidates")
		return b.String()
	}
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(a.Provider)
		b.WriteString(": ")
		if a.Err != nil {
			b.WriteString(a.Err.Error())
		}
		if a.Skipped {
			b.WriteString(" (skipped)")
		}
	}
	return b.String()
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// NoneAvailable reports whether no provider was actually called, so the failure
// reflects open circuits or backpressure rather than vendor errors.
func (e *AllProvidersFailedError) NoneAvailable() bool {
	for _, a := range e.Attempts {
		if !a.Skipped {
			return false
		}
	}
	return true
}

// Errors returns the last error per provider.
func (e *AllProvidersFailedError) Errors() map[string]error {
	out := make(map[string]error, len(e.Attempts))
	for _, a := range e.Attempts {
		out[a.Provider] = a.Err
	}
	return out
}
