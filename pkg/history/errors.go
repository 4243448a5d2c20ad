package history

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrCapacityExceeded = errors.New("thread capacity exceeded")
	ErrValidation       = errors.New("validation error")
	ErrStoreClosed      = errors.New("history store closed")
	ErrEmptyReply       = errors.New("model returned no reply")
	// ErrConcurrentWrite means another process appended to the thread since
	// the store loaded it. Reopen the store to pick up the new messages.
	ErrConcurrentWrite = errors.New("thread was written by another process")
)

// CapacityExceededError reports an append that would grow a thread past the
// configured per-thread message limit. None of the batch was stored.
type CapacityExceededError struct {
	ThreadKey ThreadKey
	Limit     int
	Current   int
	Requested int
}

func (e *CapacityExceededError) Error() string {
	if e == nil {
		return ErrCapacityExceeded.Error()
	}
	return fmt.Sprintf("%s: thread %q holds %d of %d messages, cannot append %d",
		ErrCapacityExceeded, e.ThreadKey, e.Current, e.Limit, e.Requested)
}

func (e *CapacityExceededError) Is(target error) bool { return target == ErrCapacityExceeded }

// ValidationError reports an invalid thread key or message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
