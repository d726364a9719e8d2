// Package provider normalizes upstream LLM streaming APIs into the chat frame
// format and sequences them with fallback per model family.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-chat/internal/frame"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	DefaultCallTimeout     = 45 * time.Second
	DefaultMaxRetries      = 2
	defaultMaxOutputTokens = 4096
)

type Message struct {
	Role    string
	Content string
}

// Request is one upstream call. Model is the provider-local model name.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	MaxOutputTokens int

	// Timeout overrides the adapter deadline for this call when positive.
	Timeout time.Duration
}

// StreamFunc drives one upstream streaming call, emitting content and thinking
// frames in order. It returns when the upstream stream ends.
type StreamFunc func(ctx context.Context, req Request, emit func(frame.Frame) error) error

// Adapter is the normalized client for one upstream LLM streaming API.
//
// Call returns once the first frame is available (or the call completed
// empty). Every failure before that point is returned from Call, after the
// adapter's own retries; failures after it surface as read errors on the
// returned stream.
type Adapter interface {
	Name() string
	Call(ctx context.Context, req Request) (io.ReadCloser, error)
}

type AdapterOptions struct {
	Logger *slog.Logger
	Name   string

	// Timeout is the hard deadline of a single attempt.
	//
	// When zero, it defaults to 45 seconds.
	Timeout time.Duration

	// MaxRetries is the number of extra attempts after a transient failure.
	//
	// When negative, it defaults to 2.
	MaxRetries int

	// Backoff returns the wait before retry attempt n (1-based).
	Backoff func(attempt int) time.Duration
}

// DefaultBackoff waits 1s before the first retry and 2s before the second.
func DefaultBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(attempt) * time.Second
}

type streamAdapter struct {
	log        *slog.Logger
	name       string
	timeout    time.Duration
	maxRetries int
	backoff    func(int) time.Duration
	stream     StreamFunc
}

// NewFunc builds an Adapter around fn with deadline, retry and error
// classification applied.
func NewFunc(opts AdapterOptions, fn StreamFunc) Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = DefaultMaxRetries
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "custom"
	}
	return &streamAdapter{
		log:        logger,
		name:       name,
		timeout:    timeout,
		maxRetries: retries,
		backoff:    backoff,
		stream:     fn,
	}
}

func (a *streamAdapter) Name() string { return a.name }

func (a *streamAdapter) Call(ctx context.Context, req Request) (io.ReadCloser, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.stream == nil {
		return nil, &Error{Provider: a.name, Class: ClassFatal, Message: "adapter has no stream function"}
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, &Error{Provider: a.name, Class: ClassFatal, Message: "missing model"}
	}

	var last *Error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			wait := a.backoff(attempt)
			a.log.Warn("provider call failed, retrying",
				"provider", a.name,
				"model", req.Model,
				"attempt", attempt,
				"backoff", wait.String(),
				"error", last.Error(),
			)
			if err := sleepContext(ctx, wait); err != nil {
				return nil, classify(a.name, err)
			}
		}
		rc, err := a.open(ctx, req)
		if err == nil {
			return rc, nil
		}
		last = classify(a.name, err)
		if last.Class != ClassTransient {
			return nil, last
		}
	}
	return nil, last
}

// open runs one attempt. The upstream goroutine writes encoded frames into a
// pipe, so nothing is buffered beyond the frame being handed over.
func (a *streamAdapter) open(ctx context.Context, req Request) (io.ReadCloser, error) {
	timeout := a.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	pr, pw := io.Pipe()

	started := make(chan struct{})
	var startOnce sync.Once
	done := make(chan error, 1)

	go func() {
		defer cancel()
		// Unblocks a pending pipe write once the deadline or the caller ends the call.
		stop := context.AfterFunc(callCtx, func() {
			_ = pw.CloseWithError(a.wrapCallError(callCtx, timeout, callCtx.Err()))
		})
		defer stop()

		err := a.stream(callCtx, req, func(f frame.Frame) error {
			b, err := frame.Encode(f)
			if err != nil {
				return err
			}
			startOnce.Do(func() { close(started) })
			_, err = pw.Write(b)
			return err
		})
		if err != nil {
			err = a.wrapCallError(callCtx, timeout, err)
		}
		done <- err
		_ = pw.CloseWithError(err)
	}()

	select {
	case <-started:
		return &callStream{r: pr, cancel: cancel}, nil
	case err := <-done:
		if err != nil {
			_ = pr.Close()
			return nil, err
		}
		// Completed without output; the reader yields io.EOF.
		return &callStream{r: pr, cancel: cancel}, nil
	}
}

func (a *streamAdapter) wrapCallError(callCtx context.Context, timeout time.Duration, err error) error {
	if errors.Is(context.Cause(callCtx), ErrTimeout) {
		return &Error{
			Provider: a.name,
			Class:    ClassTransient,
			Message:  fmt.Sprintf("no complete response within %s", timeout),
			Cause:    fmt.Errorf("%w: %v", ErrTimeout, err),
		}
	}
	return classify(a.name, err)
}

// Kinds of upstream API an adapter can speak.
const (
	KindOpenAI           = "openai"
	KindAnthropic        = "anthropic"
	KindOpenAICompatible = "openai_compatible"
)

// New builds the adapter for an upstream API kind.
func New(kind string, opts AdapterOptions, baseURL string, apiKey string) (Adapter, error) {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = kind
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindOpenAI:
		return NewFunc(opts, newOpenAIStreamer(baseURL, apiKey).stream), nil
	case KindAnthropic:
		return NewFunc(opts, newAnthropicStreamer(baseURL, apiKey).stream), nil
	case KindOpenAICompatible:
		if strings.TrimSpace(baseURL) == "" {
			return nil, errors.New("openai_compatible provider requires base_url")
		}
		return NewFunc(opts, newCompatStreamer(baseURL, apiKey).stream), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", kind)
	}
}

type callStream struct {
	r      *io.PipeReader
	cancel context.CancelFunc
	once   sync.Once
}

func (s *callStream) Read(p []byte) (int, error) { return s.r.Read(p) }

// Close abandons the upstream call.
func (s *callStream) Close() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.r.Close()
	})
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
