package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable: the backend cannot serve the request right now.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrTimeout: the backend missed its deadline.
	ErrTimeout = errors.New("provider timeout")
	// ErrExhausted: no backend is left for the capability.
	ErrExhausted = errors.New("all providers exhausted")
)

// Error attributes a failure to a backend.
type Error struct {
	Kind       error // ErrUnavailable or ErrTimeout
	Capability Capability
	Provider   string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s provider %s: %v", e.Capability, e.Provider, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the Kind sentinel as well as the wrapped error.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unavailablef builds an ErrUnavailable failure.
func Unavailablef(c Capability, name string, format string, args ...any) *Error {
	return &Error{Kind: ErrUnavailable, Capability: c, Provider: name, Err: fmt.Errorf(format, args...)}
}

// Classify wraps err as a provider failure. Deadline errors become
// ErrTimeout, everything else ErrUnavailable. Already classified errors
// are returned unchanged.
func Classify(c Capability, name string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	kind := ErrUnavailable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Capability: c, Provider: name, Err: err}
}

// Exhausted reports ErrExhausted for a capability.
func Exhausted(c Capability) error {
	return fmt.Errorf("%s: %w", c, ErrExhausted)
}
