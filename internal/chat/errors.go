package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when the caller cannot be identified.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrThreadBusy is returned when the thread already has a turn in flight.
	ErrThreadBusy = errors.New("thread is busy")
	// ErrTurnUsed is returned when a turn is streamed twice.
	ErrTurnUsed = errors.New("turn already started")
	// ErrClientGone marks a relay stopped because the downstream write failed.
	ErrClientGone = errors.New("client disconnected")
	// ErrStreamDecode marks a relay stopped by the frame decoder's failure threshold.
	ErrStreamDecode = errors.New("upstream stream could not be decoded")
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
