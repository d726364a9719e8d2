package chat

import (
	"context"
	"strings"

	"github.com/floegence/redeven-chat/internal/frame"
)

// Result is the non-streaming reply of a turn.
type Result struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Model          string `json:"model"`
	PerformanceMs  int64  `json:"performanceMs"`
}

// Complete runs the same pipeline as Stream and returns the whole reply. A
// relay failure is returned as the error alongside whatever was produced.
func (t *Turn) Complete(ctx context.Context) (Result, error) {
	var sink collectSink
	out, err := t.Stream(ctx, &sink)
	if out.ThreadID == "" && err != nil {
		return Result{}, err
	}
	text := sink.text.String()
	if strings.TrimSpace(text) == "" && err == nil {
		text = frame.EmptyReplyText
	}
	return Result{
		Response:       text,
		ConversationID: out.ThreadID,
		MessageID:      out.MessageID,
		Model:          out.Model,
		PerformanceMs:  out.PerformanceMs,
	}, err
}

type collectSink struct {
	text strings.Builder
}

func (s *collectSink) Send(f frame.Frame) error {
	if f.Kind == frame.KindContent {
		s.text.WriteString(f.Content)
	}
	return nil
}
