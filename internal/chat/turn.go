package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floegence/redeven-chat/internal/frame"
	"github.com/floegence/redeven-chat/internal/intent"
	"github.com/floegence/redeven-chat/internal/memory"
	"github.com/floegence/redeven-chat/internal/provider"
	"github.com/floegence/redeven-chat/internal/tasks"
	"github.com/floegence/redeven-chat/internal/threadstore"
	"github.com/floegence/redeven-chat/internal/websearch"
)

// Sink receives the frames of one turn in order. frame.Writer is the HTTP
// implementation.
type Sink interface {
	Send(f frame.Frame) error
}

// WebSearchModel names replies served from web search instead of a model.
const WebSearchModel = "websearch/brave"

// Turn is one claimed send on a thread.
type Turn struct {
	c         *Controller
	userID    string
	threadID  string
	newThread bool
	ref       provider.ModelRef
	message   string
	prompt    string
	webSearch bool
	startedAt time.Time
	token     string
	// userMsgID is the client's id for the user message, if it sent one.
	userMsgID string

	used        atomic.Bool
	releaseOnce sync.Once
}

func (t *Turn) ThreadID() string { return t.threadID }

// NewThread reports whether Begin created the thread.
func (t *Turn) NewThread() bool { return t.newThread }

func (t *Turn) claim() bool {
	owner, loaded := t.c.active.GetOrCompute(t.threadID, func() string { return t.token })
	return !loaded || owner == t.token
}

// Release frees the thread without running the turn. It is safe to call after
// Stream.
func (t *Turn) Release() {
	t.releaseOnce.Do(func() {
		if owner, ok := t.c.active.Get(t.threadID); ok && owner == t.token {
			t.c.active.Del(t.threadID)
		}
	})
}

// Outcome summarizes a finished turn.
type Outcome struct {
	ThreadID      string
	MessageID     string
	Model         string
	Text          string
	Status        string
	PerformanceMs int64
	Err           error
}

// Stream runs the turn into sink: context fetch, placeholder persist, relay
// and finalize. It always ends the frame sequence with a conversation frame
// and DONE unless the sink itself failed. The returned error is the relay
// failure, already reported in-band.
func (t *Turn) Stream(ctx context.Context, sink Sink) (Outcome, error) {
	if !t.used.CompareAndSwap(false, true) {
		return Outcome{}, ErrTurnUsed
	}
	defer t.Release()
	if ctx == nil {
		ctx = context.Background()
	}
	c := t.c
	out := &guardedSink{next: sink}

	// The durable id goes out before any content so a client that loses this
	// stream retries onto the same thread.
	if t.newThread {
		_ = out.Send(frame.Conversation(t.threadID, 0))
	}

	// CONTEXT_FETCH
	history, err := c.store.RecentMessages(ctx, t.threadID, c.historyLimit)
	if err != nil {
		c.log.Warn("load history failed", "thread_id", t.threadID, "error", err)
		history = nil
	}
	history = historyBefore(history, t.userMsgID)
	decision := c.intent.Classify(t.message)
	var notes []memory.Snippet
	if decision.Kind != intent.KindSimple {
		notes, err = c.memory.Search(ctx, t.message, t.userID, c.memoryLimit)
		if err != nil {
			c.log.Warn("memory search failed", "user_id", t.userID, "error", err)
			notes = nil
		}
	}
	digest := ""
	if t.webSearch && c.web != nil && decision.Kind == intent.KindNews {
		res, err := c.web.Search(ctx, websearch.SearchRequest{Query: t.message, Count: 5, Freshness: websearch.FreshnessDay})
		if err != nil {
			c.log.Warn("web search failed, using model", "thread_id", t.threadID, "error", err)
		} else {
			digest = websearch.Digest(res, 5)
		}
	}

	// PLACEHOLDER_PERSIST
	messageID := t.persistRows(ctx)
	c.recordTask(ctx, tasks.Turn{
		MessageID: messageID,
		ThreadID:  t.threadID,
		UserID:    t.userID,
		Model:     t.ref.String(),
		State:     tasks.StateRunning,
		StartedAt: t.startedAt,
	})
	_ = out.Send(frame.Processing(messageID))

	// STREAM_RELAY
	var text strings.Builder
	model := t.ref.String()
	var relayErr error
	if digest != "" {
		model = WebSearchModel
		_ = out.Send(frame.ModelName(model))
		text.WriteString(digest)
		_ = out.Send(frame.Text(digest))
		if out.err != nil {
			relayErr = ErrClientGone
		}
	} else {
		relayErr = t.relay(ctx, out, history, notes, &text, &model)
	}

	// FINALIZE
	res := t.finalize(ctx, out, messageID, model, text.String(), relayErr)
	return res, relayErr
}

// persistRows stores the user message and the empty assistant row and returns
// the assistant message id. A retried send whose user message is already
// stored gets its earlier reply row back, reset to a placeholder.
func (t *Turn) persistRows(ctx context.Context) string {
	c := t.c
	userMsgID := t.userMsgID
	if userMsgID != "" && !t.newThread {
		prev, err := c.store.GetMessage(ctx, t.threadID, userMsgID)
		if err != nil {
			c.log.Warn("load user message failed", "thread_id", t.threadID, "message_id", userMsgID, "error", err)
		}
		switch {
		case prev != nil && prev.Role == provider.RoleUser:
			if id, ok := t.resetReply(ctx, userMsgID); ok {
				return id
			}
			return t.createPlaceholder(ctx)
		case prev != nil:
			userMsgID = ""
		}
	}
	if userMsgID == "" {
		userMsgID = c.newID()
	}
	// The prompt carries inlined attachments, which later turns need in history.
	if _, err := c.store.CreateMessage(ctx, threadstore.Message{
		ThreadID:    t.threadID,
		MessageID:   userMsgID,
		Role:        provider.RoleUser,
		Status:      threadstore.StatusComplete,
		TextContent: firstNonEmpty(t.prompt, t.message),
	}); err != nil {
		c.log.Error("persist user message failed", "thread_id", t.threadID, "error", err)
	}
	return t.createPlaceholder(ctx)
}

func (t *Turn) resetReply(ctx context.Context, userMsgID string) (string, bool) {
	c := t.c
	reply, err := c.store.ReplyTo(ctx, t.threadID, userMsgID)
	if err != nil {
		c.log.Warn("load reply failed", "thread_id", t.threadID, "message_id", userMsgID, "error", err)
		return "", false
	}
	if reply == nil {
		return "", false
	}
	if err := c.store.UpdateMessageContent(ctx, t.threadID, reply.MessageID, "", threadstore.StatusPlaceholder, t.ref.String()); err != nil {
		c.log.Error("reset reply failed", "thread_id", t.threadID, "message_id", reply.MessageID, "error", err)
	}
	c.log.Info("resuming retried send", "thread_id", t.threadID, "user_message_id", userMsgID, "message_id", reply.MessageID)
	return reply.MessageID, true
}

func (t *Turn) createPlaceholder(ctx context.Context) string {
	c := t.c
	messageID := c.newID()
	if _, err := c.store.CreateMessage(ctx, threadstore.Message{
		ThreadID:  t.threadID,
		MessageID: messageID,
		Role:      provider.RoleAssistant,
		ModelID:   t.ref.String(),
		Status:    threadstore.StatusPlaceholder,
	}); err != nil {
		c.log.Error("persist placeholder failed", "thread_id", t.threadID, "message_id", messageID, "error", err)
	}
	return messageID
}

// historyBefore cuts history at the user message a retried send repeats.
func historyBefore(history []threadstore.Message, userMsgID string) []threadstore.Message {
	if userMsgID == "" {
		return history
	}
	for i, m := range history {
		if m.MessageID == userMsgID {
			return history[:i]
		}
	}
	return history
}

func (t *Turn) relay(ctx context.Context, out *guardedSink, history []threadstore.Message, notes []memory.Snippet, text *strings.Builder, model *string) error {
	c := t.c
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	out.onFail = cancel

	msgs := historyMessages(history)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: t.prompt})
	sess, err := c.gateway.Call(relayCtx, provider.Input{
		ModelID:         t.ref.String(),
		UserID:          t.userID,
		System:          c.systemPrompt,
		Messages:        msgs,
		Memory:          memory.Texts(notes),
		MaxOutputTokens: c.maxOutputTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ErrClientGone
		}
		return err
	}
	defer sess.Close()

	*model = sess.Model
	if err := out.Send(frame.ModelName(sess.Model)); err != nil {
		return ErrClientGone
	}

	dec := frame.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, rerr := sess.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				switch f.Kind {
				case frame.KindContent:
					text.WriteString(f.Content)
				case frame.KindThinking:
				case frame.KindError:
					return ErrStreamDecode
				default:
					continue
				}
				if err := out.Send(f); err != nil {
					return ErrClientGone
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			if out.err != nil || ctx.Err() != nil {
				return ErrClientGone
			}
			return rerr
		}
	}
}

// finalize writes the reply row once and closes the frame sequence. Writes
// use a detached context so a vanished client cannot leave the placeholder
// empty.
func (t *Turn) finalize(ctx context.Context, out *guardedSink, messageID, model, text string, relayErr error) Outcome {
	c := t.c
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	status := threadstore.StatusComplete
	state := tasks.StateComplete
	stored := text
	switch {
	case relayErr == nil && strings.TrimSpace(text) != "":
	case relayErr == nil:
		stored = frame.EmptyReplyText
		status, state = threadstore.StatusFailed, tasks.StateFailed
	case strings.TrimSpace(text) != "":
		status, state = threadstore.StatusPartial, tasks.StatePartial
	default:
		stored = frame.EmptyReplyText
		status, state = threadstore.StatusFailed, tasks.StateFailed
	}

	if err := c.store.UpdateMessageContent(fctx, t.threadID, messageID, stored, status, model); err != nil {
		c.log.Error("finalize message failed", "thread_id", t.threadID, "message_id", messageID, "error", err)
	}
	if err := c.store.TouchThread(fctx, t.threadID, stored); err != nil {
		c.log.Error("touch thread failed", "thread_id", t.threadID, "error", err)
	}
	errText := ""
	if relayErr != nil {
		errText = relayErr.Error()
	}
	c.recordTask(fctx, tasks.Turn{
		MessageID: messageID,
		ThreadID:  t.threadID,
		UserID:    t.userID,
		Model:     model,
		State:     state,
		Error:     errText,
		Chars:     len([]rune(text)),
		StartedAt: t.startedAt,
	})

	// The reply is durable; a send that reacts to DONE must find the thread free.
	t.Release()

	perf := time.Since(t.startedAt).Milliseconds()
	if relayErr != nil && !errors.Is(relayErr, ErrClientGone) {
		msg, retry := failureFrame(relayErr)
		_ = out.Send(frame.Failure(msg, retry))
	}
	_ = out.Send(frame.Conversation(t.threadID, perf))
	_ = out.Send(frame.Done())

	attrs := []any{
		"thread_id", t.threadID,
		"message_id", messageID,
		"user_id", t.userID,
		"model", model,
		"status", status,
		"chars", len(text),
		"took_ms", perf,
	}
	if relayErr != nil {
		c.log.Warn("chat turn ended with error", append(attrs, "error", relayErr)...)
	} else {
		c.log.Info("chat turn finished", attrs...)
	}
	return Outcome{
		ThreadID:      t.threadID,
		MessageID:     messageID,
		Model:         model,
		Text:          text,
		Status:        status,
		PerformanceMs: perf,
		Err:           relayErr,
	}
}

func (c *Controller) recordTask(ctx context.Context, tt tasks.Turn) {
	tt.UpdatedAt = time.Now()
	if err := c.tasks.Put(ctx, tt); err != nil {
		c.log.Warn("record turn state failed", "message_id", tt.MessageID, "error", err)
	}
}

// failureFrame maps a relay error to the user-facing error frame.
func failureFrame(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrStreamDecode):
		return frame.ResyncFailureText, true
	case provider.IsTimeout(err):
		return "The model took too long to respond. Please try again.", true
	case provider.StatusOf(err) == 429:
		return "The model is receiving too many requests. Please try again shortly.", true
	case provider.IsTransient(err):
		return "The model is temporarily unavailable. Please try again.", true
	case provider.IsCanceled(err):
		return "The request was canceled.", true
	default:
		return "The model could not process this request.", false
	}
}

// guardedSink stops forwarding after the first failed send and reports it
// once through onFail.
type guardedSink struct {
	next   Sink
	err    error
	onFail func()
}

func (s *guardedSink) Send(f frame.Frame) error {
	if s.err != nil {
		return s.err
	}
	if err := s.next.Send(f); err != nil {
		s.err = err
		if s.onFail != nil {
			s.onFail()
		}
		return err
	}
	return nil
}
