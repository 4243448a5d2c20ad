package models

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrModelUnavailable means the provider could not be reached or was
	// temporarily unable to serve the request.
	ErrModelUnavailable = errors.New("model unavailable")
	ErrRateLimited      = errors.New("model rate limited")
	// ErrModelError is a failure reported by the model provider itself.
	ErrModelError = errors.New("model error")
)

// InvocationError carries the provider failure classified into one of the
// error kinds above.
type InvocationError struct {
	Kind       error
	Provider   string
	StatusCode int
	Err        error
}

func (e *InvocationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *InvocationError) Is(target error) bool { return target == e.Kind }

func (e *InvocationError) Unwrap() error { return e.Err }

// Kind returns which of ErrModelUnavailable, ErrRateLimited or ErrModelError
// err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrRateLimited, ErrModelUnavailable, ErrModelError} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel is a short name for metrics and logs.
func KindLabel(err error) string {
	switch Kind(err) {
	case ErrRateLimited:
		return "rate_limited"
	case ErrModelUnavailable:
		return "unavailable"
	case ErrModelError:
		return "model_error"
	default:
		if err == nil {
			return "none"
		}
		return "other"
	}
}

func classifyStatus(status int) error {
	switch {
	case status == 429:
		return ErrRateLimited
	case status >= 500 || status == 0:
		return ErrModelUnavailable
	default:
		return ErrModelError
	}
}
