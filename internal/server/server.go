// Package server exposes the chat pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/redeven-chat/internal/chat"
	"github.com/floegence/redeven-chat/internal/frame"
	"github.com/floegence/redeven-chat/internal/identity"
	"github.com/floegence/redeven-chat/internal/provider"
	"github.com/floegence/redeven-chat/internal/tasks"
	"github.com/floegence/redeven-chat/internal/threadstore"
	"github.com/goccy/go-json"
)

const maxBodyBytes = 4 << 20

// Threads is the read side of the thread store.
type Threads interface {
	ListThreads(ctx context.Context, userID string, limit int, cursor threadstore.ThreadsCursor) ([]threadstore.Thread, string, error)
	GetThread(ctx context.Context, userID string, threadID string) (*threadstore.Thread, error)
	ListMessages(ctx context.Context, threadID string, limit int, beforeID int64) ([]threadstore.Message, int64, bool, error)
}

type Options struct {
	Logger     *slog.Logger
	ListenAddr string
	Controller *chat.Controller
	Threads    Threads
	Identity   identity.Resolver

	// Models lists the selectable model ids.
	Models []string

	// Health is checked by /healthz when set.
	Health func(ctx context.Context) error
}

type Server struct {
	log *slog.Logger

	ctrl     *chat.Controller
	threads  Threads
	identity identity.Resolver
	models   []string
	health   func(ctx context.Context) error
	mux      *http.ServeMux

	ln   net.Listener
	srv  *http.Server
	addr string
}

func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("missing Controller")
	}
	if opts.Threads == nil {
		return nil, errors.New("missing Threads")
	}
	if opts.Identity == nil {
		return nil, errors.New("missing Identity")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	s := &Server{
		log:      logger,
		ctrl:     opts.Controller,
		threads:  opts.Threads,
		identity: opts.Identity,
		models:   append([]string(nil), opts.Models...),
		health:   opts.Health,
		addr:     addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", s.handleStream)
	mux.HandleFunc("POST /api/chat", s.handleComplete)
	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/threads/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/turns/{id}", s.handleTurn)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux = mux
	return s, nil
}

// Handler returns the routing handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	// No WriteTimeout: streamed replies outlive any fixed response deadline.
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("chat server stopped", "error", err)
		}
	}()

	s.log.Info("chat server listening", "addr", s.ln.Addr().String())
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.ln = nil
	return nil
}

func (s *Server) URL() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

type apiResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type errorResp struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeChatRequest(r *http.Request) (chat.Request, error) {
	var req chat.Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return req, err
	}
	if len(body) > maxBodyBytes {
		return req, errors.New("request body too large")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.New("invalid json")
	}
	return req, nil
}

// statusFor maps pipeline errors to HTTP statuses and a short public message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case chat.IsValidation(err):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, chat.ErrThreadBusy):
		return http.StatusConflict, "conversation has a reply in progress"
	case errors.Is(err, chat.ErrClientGone), errors.Is(err, context.Canceled), provider.IsCanceled(err):
		return http.StatusRequestTimeout, "request canceled"
	case provider.IsTimeout(err):
		return http.StatusGatewayTimeout, "model timed out"
	case provider.StatusOf(err) == http.StatusTooManyRequests:
		return http.StatusTooManyRequests, "model rate limited"
	case errors.Is(err, chat.ErrStreamDecode), provider.IsTransient(err):
		return http.StatusServiceUnavailable, "model unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	details := ""
	if status != http.StatusInternalServerError {
		details = err.Error()
	} else {
		s.log.Error("chat request failed", "error", err)
	}
	writeJSON(w, status, errorResp{Error: msg, Details: details})
}

// beginTurn authenticates before reading the body, so a request without valid
// credentials is a 401 whatever it carries.
func (s *Server) beginTurn(w http.ResponseWriter, r *http.Request) (*chat.Turn, bool) {
	userID, err := s.ctrl.Authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	req, err := decodeChatRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid request", Details: err.Error()})
		return nil, false
	}
	turn, err := s.ctrl.BeginAs(r.Context(), userID, req)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return turn, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	turn, ok := s.beginTurn(w, r)
	if !ok {
		return
	}
	defer turn.Release()

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fw := frame.NewWriter(w)
	if _, err := turn.Stream(r.Context(), fw); errors.Is(err, chat.ErrClientGone) {
		// A reply that lost frames must not end in [DONE].
		return
	}
	_ = fw.Close()
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	turn, ok := s.beginTurn(w, r)
	if !ok {
		return
	}
	res, err := turn.Complete(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, err := s.identity.ResolveUserID(r)
	if err != nil || strings.TrimSpace(uid) == "" {
		writeJSON(w, http.StatusUnauthorized, apiResp{OK: false, Error: "unauthorized"})
		return "", false
	}
	return strings.TrimSpace(uid), true
}

type threadView struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Model              string `json:"model,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
	LastMessagePreview string `json:"lastMessagePreview,omitempty"`
}

type turnView struct {
	tasks.Turn
	Finished bool `json:"finished"`
}

type messageView struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	cursor, ok := threadstore.DecodeCursor(r.URL.Query().Get("cursor"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, apiResp{OK: false, Error: "invalid cursor"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, next, err := s.threads.ListThreads(r.Context(), uid, limit, cursor)
	if err != nil {
		s.log.Error("list threads failed", "user_id", uid, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResp{OK: false, Error: "internal error"})
		return
	}
	out := make([]threadView, 0, len(list))
	for _, t := range list {
		out = append(out, threadView{
			ID:                 t.ThreadID,
			Title:              t.Title,
			Model:              t.ModelID,
			CreatedAt:          t.CreatedAtUnixMs,
			UpdatedAt:          t.UpdatedAtUnixMs,
			LastMessagePreview: t.LastMessagePreview,
		})
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: map[string]any{"threads": out, "nextCursor": next}})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	threadID := strings.TrimSpace(r.PathValue("id"))
	th, err := s.threads.GetThread(r.Context(), uid, threadID)
	if err != nil {
		s.log.Error("get thread failed", "thread_id", threadID, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResp{OK: false, Error: "internal error"})
		return
	}
	if th == nil {
		writeJSON(w, http.StatusNotFound, apiResp{OK: false, Error: "not found"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	msgs, next, hasMore, err := s.threads.ListMessages(r.Context(), threadID, limit, before)
	if err != nil {
		s.log.Error("list messages failed", "thread_id", threadID, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResp{OK: false, Error: "internal error"})
		return
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			ID:        m.MessageID,
			ThreadID:  m.ThreadID,
			Role:      m.Role,
			Content:   m.TextContent,
			Model:     m.ModelID,
			Status:    m.Status,
			CreatedAt: m.CreatedAtUnixMs,
		})
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: map[string]any{
		"messages":     out,
		"nextBeforeId": next,
		"hasMore":      hasMore,
	}})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.TurnState(r.Context(), r, strings.TrimSpace(r.PathValue("id")))
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, apiResp{OK: false, Error: "unauthorized"})
	case errors.Is(err, tasks.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiResp{OK: false, Error: "not found"})
	case err != nil:
		s.log.Error("turn state failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResp{OK: false, Error: "internal error"})
	default:
		writeJSON(w, http.StatusOK, apiResp{OK: true, Data: turnView{Turn: st, Finished: st.Finished()}})
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.userID(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: map[string]any{"models": s.models}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, apiResp{OK: false, Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true})
}
