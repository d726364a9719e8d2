package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/redeven-chat/internal/frame"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noBackoff(int) time.Duration { return 0 }

func transientErr() error {
	return &Error{Class: ClassTransient, StatusCode: 503, Message: "overloaded"}
}

func readFrames(t *testing.T, r io.Reader) ([]frame.Frame, error) {
	t.Helper()
	raw, err := io.ReadAll(r)
	events, rest := frame.Decode(raw)
	if len(rest) != 0 {
		t.Fatalf("undecoded tail: %q", rest)
	}
	var out []frame.Frame
	for _, ev := range events {
		if ev.Err != nil {
			t.Fatalf("decode: %v", ev.Err)
		}
		out = append(out, ev.Frame)
	}
	return out, err
}

func TestAdapterRetriesTransientFailuresBeforeFirstByte(t *testing.T) {
	var calls atomic.Int32
	a := NewFunc(AdapterOptions{Logger: quietLogger(), Name: "p", Backoff: noBackoff}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		if calls.Add(1) < 3 {
			return transientErr()
		}
		return emit(frame.Text("hi"))
	})

	rc, err := a.Call(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer rc.Close()
	frames, err := readFrames(t, rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(frames) != 1 || frames[0].Content != "hi" {
		t.Fatalf("frames=%+v", frames)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

func TestAdapterGivesUpAfterTwoRetries(t *testing.T) {
	var calls atomic.Int32
	a := NewFunc(AdapterOptions{Logger: quietLogger(), Backoff: noBackoff, MaxRetries: -1}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		calls.Add(1)
		return transientErr()
	})
	_, err := a.Call(context.Background(), Request{Model: "m"})
	if !IsTransient(err) {
		t.Fatalf("err=%v, want transient", err)
	}
	if StatusOf(err) != 503 {
		t.Fatalf("status=%d", StatusOf(err))
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

func TestAdapterDoesNotRetryFatal(t *testing.T) {
	var calls atomic.Int32
	a := NewFunc(AdapterOptions{Logger: quietLogger(), Backoff: noBackoff}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		calls.Add(1)
		return &Error{Class: ClassFatal, StatusCode: 401, Message: "bad key"}
	})
	_, err := a.Call(context.Background(), Request{Model: "m"})
	if err == nil || IsTransient(err) {
		t.Fatalf("err=%v, want fatal", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}

func TestAdapterTimeoutIsDistinguishable(t *testing.T) {
	a := NewFunc(AdapterOptions{Logger: quietLogger(), Timeout: 30 * time.Millisecond, MaxRetries: 0}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	_, err := a.Call(context.Background(), Request{Model: "m"})
	if !IsTimeout(err) {
		t.Fatalf("err=%v, want timeout", err)
	}
	if !IsTransient(err) {
		t.Fatalf("timeout should be transient: %v", err)
	}
	if StatusOf(err) != 0 {
		t.Fatalf("timeout carries no http status")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("deadline not enforced")
	}
}

func TestAdapterTimeoutMidStreamSurfacesOnRead(t *testing.T) {
	a := NewFunc(AdapterOptions{Logger: quietLogger(), Timeout: 50 * time.Millisecond, MaxRetries: 0}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		if err := emit(frame.Text("partial")); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
	rc, err := a.Call(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer rc.Close()
	frames, err := readFrames(t, rc)
	if !IsTimeout(err) {
		t.Fatalf("read err=%v, want timeout", err)
	}
	if len(frames) != 1 || frames[0].Content != "partial" {
		t.Fatalf("frames=%+v", frames)
	}
}

func TestAdapterCancelIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	a := NewFunc(AdapterOptions{Logger: quietLogger(), Backoff: noBackoff}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		calls.Add(1)
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	_, err := a.Call(ctx, Request{Model: "m"})
	if !IsCanceled(err) {
		t.Fatalf("err=%v, want canceled", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}

func TestAdapterEmptyStream(t *testing.T) {
	a := NewFunc(AdapterOptions{Logger: quietLogger()}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		return nil
	})
	rc, err := a.Call(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	frames, err := readFrames(t, rc)
	if err != nil || len(frames) != 0 {
		t.Fatalf("frames=%+v err=%v", frames, err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Class{
		400: ClassFatal,
		401: ClassFatal,
		403: ClassFatal,
		404: ClassFatal,
		408: ClassTransient,
		429: ClassTransient,
		500: ClassTransient,
		503: ClassTransient,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Fatalf("status %d: got %s want %s", status, got, want)
		}
	}
	if got := classify("x", errors.New("connection reset")); got.Class != ClassTransient {
		t.Fatalf("network error class=%s", got.Class)
	}
	if msg := envelopeMessage([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)); msg != "Overloaded" {
		t.Fatalf("envelope message=%q", msg)
	}
}

type fakeUpstream struct {
	calls  atomic.Int32
	models []string
	fn     func(call int, emit func(frame.Frame) error) error
}

func (f *fakeUpstream) adapter(name string) Adapter {
	return NewFunc(AdapterOptions{Logger: quietLogger(), Name: name, Backoff: noBackoff, MaxRetries: 0}, func(ctx context.Context, req Request, emit func(frame.Frame) error) error {
		n := int(f.calls.Add(1))
		f.models = append(f.models, req.Model)
		return f.fn(n, emit)
	})
}

func newTestGateway(t *testing.T, primary, fallback *fakeUpstream, route Route) *Gateway {
	t.Helper()
	g, err := NewGateway(GatewayOptions{
		Logger: quietLogger(),
		Providers: []Provider{
			{ID: "openai", Family: FamilyGPT, Adapter: primary.adapter("openai"), Models: []string{"gpt-5-mini"}},
			{ID: "backup", Family: FamilyGPT, Adapter: fallback.adapter("backup"), Models: []string{"gpt-4o-mini"}},
		},
		Routes:       map[Family]Route{FamilyGPT: route},
		DefaultModel: "openai/gpt-5-mini",
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

func TestGatewayFallsBackOnceOnTransientFailure(t *testing.T) {
	primary := &fakeUpstream{fn: func(int, func(frame.Frame) error) error { return transientErr() }}
	fallback := &fakeUpstream{fn: func(_ int, emit func(frame.Frame) error) error { return emit(frame.Text("from fallback")) }}
	g := newTestGateway(t, primary, fallback, Route{Fallback: "backup", FallbackModel: "gpt-4o-mini"})

	sess, err := g.Call(context.Background(), Input{ModelID: "openai/gpt-5-mini", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer sess.Close()
	if !sess.Fallback() || sess.Model != "backup/gpt-4o-mini" {
		t.Fatalf("session=%+v", sess)
	}
	if fallback.calls.Load() != 1 || primary.calls.Load() != 1 {
		t.Fatalf("primary=%d fallback=%d", primary.calls.Load(), fallback.calls.Load())
	}
	if fallback.models[0] != "gpt-4o-mini" {
		t.Fatalf("fallback got model %q", fallback.models[0])
	}
	frames, err := readFrames(t, sess)
	if err != nil || len(frames) != 1 || frames[0].Content != "from fallback" {
		t.Fatalf("frames=%+v err=%v", frames, err)
	}
}

func TestGatewaySurfacesWhenFallbackAlsoFails(t *testing.T) {
	primary := &fakeUpstream{fn: func(int, func(frame.Frame) error) error { return transientErr() }}
	fallback := &fakeUpstream{fn: func(int, func(frame.Frame) error) error { return transientErr() }}
	g := newTestGateway(t, primary, fallback, Route{Fallback: "backup", FallbackModel: "gpt-4o-mini"})

	_, err := g.Call(context.Background(), Input{})
	if !IsTransient(err) {
		t.Fatalf("err=%v", err)
	}
	if fallback.calls.Load() != 1 {
		t.Fatalf("fallback calls=%d, want exactly 1", fallback.calls.Load())
	}
}

func TestGatewayFatalSkipsFallback(t *testing.T) {
	primary := &fakeUpstream{fn: func(int, func(frame.Frame) error) error {
		return &Error{Class: ClassFatal, StatusCode: 401, Message: "bad key"}
	}}
	fallback := &fakeUpstream{fn: func(_ int, emit func(frame.Frame) error) error { return emit(frame.Text("x")) }}
	g := newTestGateway(t, primary, fallback, Route{Fallback: "backup", FallbackModel: "gpt-4o-mini"})

	if _, err := g.Call(context.Background(), Input{}); err == nil || IsTransient(err) {
		t.Fatalf("err=%v, want fatal", err)
	}
	if fallback.calls.Load() != 0 {
		t.Fatalf("fallback must not be called on fatal errors")
	}
}

func TestGatewayNeverSwitchesAfterFirstByte(t *testing.T) {
	primary := &fakeUpstream{fn: func(_ int, emit func(frame.Frame) error) error {
		if err := emit(frame.Text("Hel")); err != nil {
			return err
		}
		return transientErr()
	}}
	fallback := &fakeUpstream{fn: func(_ int, emit func(frame.Frame) error) error { return emit(frame.Text("other")) }}
	g := newTestGateway(t, primary, fallback, Route{Fallback: "backup", FallbackModel: "gpt-4o-mini"})

	sess, err := g.Call(context.Background(), Input{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	defer sess.Close()
	frames, err := readFrames(t, sess)
	if !IsTransient(err) {
		t.Fatalf("read err=%v, want transient", err)
	}
	if len(frames) != 1 || frames[0].Content != "Hel" {
		t.Fatalf("frames=%+v", frames)
	}
	if sess.Fallback() || fallback.calls.Load() != 0 {
		t.Fatalf("gateway switched adapters after output")
	}
}

func TestGatewayWithoutFallbackRoute(t *testing.T) {
	primary := &fakeUpstream{fn: func(int, func(frame.Frame) error) error { return transientErr() }}
	fallback := &fakeUpstream{fn: func(int, func(frame.Frame) error) error { return nil }}
	g := newTestGateway(t, primary, fallback, Route{})
	if _, err := g.Call(context.Background(), Input{}); !IsTransient(err) {
		t.Fatalf("err=%v", err)
	}
	if fallback.calls.Load() != 0 {
		t.Fatalf("no route, no fallback")
	}
}

func TestGatewayResolve(t *testing.T) {
	noop := &fakeUpstream{fn: func(int, func(frame.Frame) error) error { return nil }}
	g := newTestGateway(t, noop, noop, Route{})

	for _, id := range []string{"gpt-5-mini", "nope/gpt-5-mini", "openai/gpt-9", "/x"} {
		if _, err := g.Resolve(id); !errors.Is(err, ErrUnknownModel) {
			t.Fatalf("Resolve(%q) err=%v", id, err)
		}
	}
	ref, err := g.Resolve("")
	if err != nil || ref.String() != "openai/gpt-5-mini" {
		t.Fatalf("default=%v err=%v", ref, err)
	}
	if got := strings.Join(g.Models(), ","); got != "backup/gpt-4o-mini,openai/gpt-5-mini" {
		t.Fatalf("models=%s", got)
	}
}

func TestNewGatewayRejectsBadRoutes(t *testing.T) {
	noop := &fakeUpstream{fn: func(int, func(frame.Frame) error) error { return nil }}
	_, err := NewGateway(GatewayOptions{
		Logger:    quietLogger(),
		Providers: []Provider{{ID: "a", Family: FamilyClaude, Adapter: noop.adapter("a")}},
		Routes:    map[Family]Route{FamilyClaude: {Fallback: "missing", FallbackModel: "x"}},
	})
	if err == nil {
		t.Fatalf("expected error for unknown fallback provider")
	}
	_, err = NewGateway(GatewayOptions{
		Logger:    quietLogger(),
		Providers: []Provider{{ID: "a", Family: Family("llama"), Adapter: noop.adapter("a")}},
	})
	if err == nil {
		t.Fatalf("expected error for unknown family")
	}
}

func TestBuildSystemPromptAddsMemory(t *testing.T) {
	got := buildSystemPrompt("Be brief.", []string{" likes tea ", ""})
	if !strings.HasPrefix(got, "Be brief.\n\n") || !strings.Contains(got, "- likes tea") {
		t.Fatalf("prompt=%q", got)
	}
	if buildSystemPrompt("x", nil) != "x" {
		t.Fatalf("no memory should keep prompt")
	}
}

func TestBuildAnthropicMessagesMergesRoles(t *testing.T) {
	out := buildAnthropicMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
	})
	if len(out) != 2 {
		t.Fatalf("len=%d", len(out))
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New("bogus", AdapterOptions{Logger: quietLogger()}, "", "k"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(KindOpenAICompatible, AdapterOptions{Logger: quietLogger()}, "", "k"); err == nil {
		t.Fatalf("openai_compatible needs base_url")
	}
	a, err := New(KindAnthropic, AdapterOptions{Logger: quietLogger()}, "", "k")
	if err != nil || a.Name() != KindAnthropic {
		t.Fatalf("a=%v err=%v", a, err)
	}
}
