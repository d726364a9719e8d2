package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/floegence/redeven-chat/internal/chat"
	"github.com/floegence/redeven-chat/internal/frame"
	"github.com/floegence/redeven-chat/internal/identity"
	"github.com/floegence/redeven-chat/internal/provider"
	"github.com/floegence/redeven-chat/internal/tasks"
	"github.com/floegence/redeven-chat/internal/threadstore"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	store *threadstore.Store
}

func newFixture(t *testing.T, fn provider.StreamFunc) *fixture {
	t.Helper()
	st, err := threadstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	adapter := provider.NewFunc(provider.AdapterOptions{
		Logger:     quiet(),
		Name:       "openai",
		Timeout:    200 * time.Millisecond,
		MaxRetries: 0,
	}, fn)
	gw, err := provider.NewGateway(provider.GatewayOptions{
		Logger:       quiet(),
		Providers:    []provider.Provider{{ID: "openai", Family: provider.FamilyGPT, Adapter: adapter, Models: []string{"gpt-5-mini"}}},
		DefaultModel: "openai/gpt-5-mini",
	})
	require.NoError(t, err)

	ids := identity.NewStaticTokens(map[string]string{"tok-a": "alice", "tok-b": "bob"})
	ctrl, err := chat.NewController(chat.Options{
		Logger:   quiet(),
		Identity: ids,
		Store:    st,
		Gateway:  gw,
		Tasks:    tasks.NewMemory(time.Minute),
	})
	require.NoError(t, err)

	srv, err := New(Options{
		Logger:     quiet(),
		Controller: ctrl,
		Threads:    st,
		Identity:   ids,
		Models:     gw.Models(),
		Health:     st.Ping,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, store: st}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readFrames(t *testing.T, r io.Reader) []frame.Frame {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	dec := frame.NewDecoder()
	return dec.Feed(b)
}

func hello(_ context.Context, _ provider.Request, emit func(frame.Frame) error) error {
	if err := emit(frame.Text("Hi")); err != nil {
		return err
	}
	return emit(frame.Text(" there!"))
}

func TestStream_WritesFramesWithHeaders(t *testing.T) {
	f := newFixture(t, hello)
	resp := f.do(t, http.MethodPost, "/api/chat/stream", "tok-a", chat.Request{Message: "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	frames := readFrames(t, resp.Body)
	kinds := make([]frame.Kind, 0, len(frames))
	var text strings.Builder
	for _, fr := range frames {
		kinds = append(kinds, fr.Kind)
		if fr.Kind == frame.KindContent {
			text.WriteString(fr.Content)
		}
	}
	assert.Equal(t, []frame.Kind{
		frame.KindConversation, frame.KindProcessing, frame.KindModel, frame.KindContent, frame.KindContent, frame.KindConversation, frame.KindDone,
	}, kinds)
	assert.Equal(t, "Hi there!", text.String())

	threadID := frames[0].ConversationID
	assert.Equal(t, threadID, frames[5].ConversationID)
	th, err := f.store.GetThread(context.Background(), "alice", threadID)
	require.NoError(t, err)
	require.NotNil(t, th)
	assert.Equal(t, "Hello", th.Title)
}

func (f *fixture) postRaw(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestChat_AuthBeforeBody(t *testing.T) {
	f := newFixture(t, hello)
	for _, path := range []string{"/api/chat/stream", "/api/chat"} {
		resp := f.postRaw(t, path, "", "{not json")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)

		resp = f.postRaw(t, path, "wrong-token", "{not json")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)

		resp = f.postRaw(t, path, "tok-a", "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

// failingResponse accepts every write except the failAt-th.
type failingResponse struct {
	*httptest.ResponseRecorder
	failAt int
	writes int
}

func (w *failingResponse) Write(p []byte) (int, error) {
	w.writes++
	if w.writes == w.failAt {
		return 0, errors.New("connection reset")
	}
	return w.ResponseRecorder.Write(p)
}

func TestStream_LostFrameNeverEndsInDone(t *testing.T) {
	f := newFixture(t, hello)
	body, err := json.Marshal(chat.Request{Message: "Hello"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-a")

	// conversation, processing, model; the first content write fails.
	w := &failingResponse{ResponseRecorder: httptest.NewRecorder(), failAt: 4}
	f.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "[DONE]")
	assert.NotContains(t, w.Body.String(), "there!")
}

func TestStream_RejectsBeforeHeaders(t *testing.T) {
	f := newFixture(t, hello)

	resp := f.do(t, http.MethodPost, "/api/chat/stream", "", chat.Request{Message: "Hello"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/chat/stream", "tok-a", chat.Request{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/chat/stream", "tok-a", chat.Request{Message: "hi", ModelID: "nope/none"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/chat/stream", "tok-a", chat.Request{Message: "hi", ConversationID: "missing"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid request", body.Error)
	assert.Contains(t, body.Details, "conversationId")
}

func TestComplete_ReturnsWholeReply(t *testing.T) {
	f := newFixture(t, hello)
	resp := f.do(t, http.MethodPost, "/api/chat", "tok-a", chat.Request{Message: "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res chat.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "Hi there!", res.Response)
	assert.Equal(t, "openai/gpt-5-mini", res.Model)
	assert.NotEmpty(t, res.ConversationID)
	assert.NotEmpty(t, res.MessageID)
}

func TestComplete_MapsProviderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", &provider.Error{Class: provider.ClassTransient, StatusCode: 429, Message: "slow down"}, http.StatusTooManyRequests},
		{"unavailable", &provider.Error{Class: provider.ClassTransient, StatusCode: 502, Message: "bad gateway"}, http.StatusServiceUnavailable},
		{"fatal", &provider.Error{Class: provider.ClassFatal, StatusCode: 401, Message: "bad key"}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(context.Context, provider.Request, func(frame.Frame) error) error { return tc.err })
			resp := f.do(t, http.MethodPost, "/api/chat", "tok-a", chat.Request{Message: "Hello"})
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestComplete_TimeoutIs504(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, _ provider.Request, _ func(frame.Frame) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	resp := f.do(t, http.MethodPost, "/api/chat", "tok-a", chat.Request{Message: "Hello"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	status, _ := statusFor(chat.ErrThreadBusy)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = statusFor(chat.ErrClientGone)
	assert.Equal(t, http.StatusRequestTimeout, status)
	status, _ = statusFor(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestThreads_ScopedByUser(t *testing.T) {
	f := newFixture(t, hello)
	resp := f.do(t, http.MethodPost, "/api/chat", "tok-a", chat.Request{Message: "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res chat.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	var list struct {
		OK   bool `json:"ok"`
		Data struct {
			Threads []threadView `json:"threads"`
		} `json:"data"`
	}
	resp = f.do(t, http.MethodGet, "/api/threads", "tok-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Data.Threads, 1)
	assert.Equal(t, res.ConversationID, list.Data.Threads[0].ID)

	resp = f.do(t, http.MethodGet, "/api/threads", "tok-b", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list.Data.Threads)

	var msgs struct {
		Data struct {
			Messages []messageView `json:"messages"`
			HasMore  bool          `json:"hasMore"`
		} `json:"data"`
	}
	resp = f.do(t, http.MethodGet, "/api/threads/"+res.ConversationID+"/messages", "tok-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs.Data.Messages, 2)
	assert.Equal(t, "user", msgs.Data.Messages[0].Role)
	assert.Equal(t, "Hi there!", msgs.Data.Messages[1].Content)
	assert.Equal(t, threadstore.StatusComplete, msgs.Data.Messages[1].Status)

	resp = f.do(t, http.MethodGet, "/api/threads/"+res.ConversationID+"/messages", "tok-b", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/threads?cursor=not-a-cursor!", "tok-a", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTurnState(t *testing.T) {
	f := newFixture(t, hello)
	resp := f.do(t, http.MethodPost, "/api/chat", "tok-a", chat.Request{Message: "Hello"})
	var res chat.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	resp = f.do(t, http.MethodGet, "/api/turns/"+res.MessageID, "tok-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Data turnView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, tasks.StateComplete, body.Data.State)
	assert.True(t, body.Data.Finished)

	resp = f.do(t, http.MethodGet, "/api/turns/"+res.MessageID, "tok-b", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModelsAndHealth(t *testing.T) {
	f := newFixture(t, hello)
	resp := f.do(t, http.MethodGet, "/api/models", "tok-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Data struct {
			Models []string `json:"models"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"openai/gpt-5-mini"}, body.Data.Models)

	resp = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartAndClose(t *testing.T) {
	f := newFixture(t, hello)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.srv.Start(ctx))
	require.NotEmpty(t, f.srv.URL())

	resp, err := http.Get(f.srv.URL() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, f.srv.Close())
	assert.Empty(t, f.srv.URL())
}
