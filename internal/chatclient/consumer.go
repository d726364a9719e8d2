package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/floegence/redeven-chat/internal/frame"
)

var (
	// ErrTruncated means the body ended before the terminal [DONE].
	ErrTruncated = errors.New("stream ended before completion")
	// ErrDesync means the decoder gave up on the connection.
	ErrDesync = errors.New("stream lost frame synchronization")
)

// StreamError is an error the server reported in-band. Content received
// before it stays on the message.
type StreamError struct {
	Message  string
	CanRetry bool
}

func (e *StreamError) Error() string { return e.Message }

// TransportError wraps a failure that cost the in-progress message.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "chat stream: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Outcome describes a consumed stream.
type Outcome struct {
	ThreadID       string
	MessageID      string
	Model          string
	Content        string
	ConversationID string
	PerformanceMs  int64
	// Failure is the last in-band error frame, if any.
	Failure *StreamError
}

// Consumer applies one response stream to a message of the store.
type Consumer struct {
	store     *Store
	ref       *ThreadRef
	messageID string

	// OnConversation runs when the server names the durable thread. When
	// nil, a temp thread is migrated onto it.
	OnConversation func(conversationID string) error
	// OnFrame observes every applied frame.
	OnFrame func(f frame.Frame)

	content strings.Builder
	out     Outcome
}

func NewConsumer(store *Store, ref *ThreadRef, messageID string) *Consumer {
	return &Consumer{store: store, ref: ref, messageID: messageID}
}

const readChunk = 4096

// Run reads body until [DONE]. A read failure, a truncated body or a decoder
// desync removes the message from the store and returns a *TransportError.
func (c *Consumer) Run(ctx context.Context, body io.Reader) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dec := frame.NewDecoder()
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				done, err := c.apply(f)
				if err != nil {
					return c.fail(err)
				}
				if done {
					return c.out, nil
				}
			}
			if dec.Stopped() {
				return c.fail(ErrDesync)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = ErrTruncated
			}
			return c.fail(rerr)
		}
	}
}

func (c *Consumer) fail(err error) (Outcome, error) {
	_ = c.store.Remove(c.ref, c.messageID)
	return c.out, &TransportError{Err: err}
}

func (c *Consumer) apply(f frame.Frame) (bool, error) {
	if c.OnFrame != nil {
		c.OnFrame(f)
	}
	switch f.Kind {
	case frame.KindContent:
		c.content.WriteString(f.Content)
		return false, c.store.AppendContent(c.ref, c.messageID, f.Content)
	case frame.KindThinking:
		return false, nil
	case frame.KindProcessing:
		return false, c.store.Patch(c.ref, c.messageID, Patch{DurableID: f.MessageID})
	case frame.KindModel:
		c.out.Model = f.Model
		return false, c.store.Patch(c.ref, c.messageID, Patch{Model: f.Model})
	case frame.KindConversation:
		c.out.ConversationID = f.ConversationID
		c.out.PerformanceMs = f.PerformanceMs
		return false, c.conversation(f.ConversationID)
	case frame.KindError:
		c.out.Failure = &StreamError{Message: f.Error, CanRetry: f.Retryable()}
		return false, nil
	case frame.KindDone:
		return true, c.finish()
	default:
		return false, nil
	}
}

func (c *Consumer) conversation(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if c.OnConversation != nil {
		return c.OnConversation(id)
	}
	if c.ref.Temporary() {
		return c.store.MigrateThread(c.ref.ID(), id)
	}
	return nil
}

func (c *Consumer) finish() error {
	if strings.TrimSpace(c.content.String()) == "" {
		if err := c.store.ReplaceContent(c.ref, c.messageID, frame.EmptyReplyText); err != nil {
			return fmt.Errorf("apply empty reply: %w", err)
		}
	}
	m, err := c.store.Finalize(c.ref, c.messageID)
	if err != nil {
		return err
	}
	c.messageID = m.ID
	c.out.ThreadID = m.ThreadID
	c.out.MessageID = m.ID
	c.out.Content = m.Content
	return nil
}
