package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Class separates failures worth another attempt from failures that will not
// change on retry.
type Class string

const (
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

var (
	// ErrTimeout marks an upstream call that hit its hard deadline.
	ErrTimeout = errors.New("provider call timed out")
	// ErrCanceled marks an upstream call abandoned by the caller.
	ErrCanceled = errors.New("provider call canceled")
	// ErrNoRoute is returned when no adapter is configured for a model.
	ErrNoRoute = errors.New("no provider route for model")
)

// Error is the normalized failure of one adapter call.
type Error struct {
	Provider   string
	Class      Class
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("provider")
	if e.Provider != "" {
		b.WriteString(" ")
		b.WriteString(e.Provider)
	}
	b.WriteString(": ")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "http %d: ", e.StatusCode)
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	b.WriteString(msg)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsTransient reports whether err may succeed on another attempt or provider.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := AsError(err); ok {
		return pe.Class == ClassTransient
	}
	return false
}

func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func IsCanceled(err error) bool { return errors.Is(err, ErrCanceled) }

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	if pe, ok := AsError(err); ok {
		return pe.StatusCode
	}
	return 0
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassFatal
	default:
		return ClassTransient
	}
}

// classify maps SDK, context and network errors onto Error.
func classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		return pe
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Class: ClassTransient, Message: "deadline exceeded", Cause: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: provider, Class: ClassFatal, Message: "canceled", Cause: fmt.Errorf("%w: %v", ErrCanceled, err)}
	}

	var oe *openai.Error
	if errors.As(err, &oe) {
		return &Error{Provider: provider, Class: classifyStatus(oe.StatusCode), StatusCode: oe.StatusCode, Message: oe.Message, Cause: err}
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return &Error{Provider: provider, Class: classifyStatus(ae.StatusCode), StatusCode: ae.StatusCode, Message: envelopeMessage([]byte(ae.RawJSON())), Cause: err}
	}
	var ge *goopenai.APIError
	if errors.As(err, &ge) {
		return &Error{Provider: provider, Class: classifyStatus(ge.HTTPStatusCode), StatusCode: ge.HTTPStatusCode, Message: ge.Message, Cause: err}
	}
	var gr *goopenai.RequestError
	if errors.As(err, &gr) {
		return &Error{Provider: provider, Class: classifyStatus(gr.HTTPStatusCode), StatusCode: gr.HTTPStatusCode, Message: envelopeMessage(gr.Body), Cause: err}
	}

	// Connection resets, DNS failures, truncated bodies.
	return &Error{Provider: provider, Class: ClassTransient, Message: err.Error(), Cause: err}
}

// envelopeMessage extracts error.message from a provider error body.
func envelopeMessage(raw []byte) string {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return ""
	}
	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
		return strings.TrimSpace(msg.String())
	}
	return strings.TrimSpace(gjson.GetBytes(raw, "message").String())
}
