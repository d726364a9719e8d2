// Package frame implements the wire format of the chat stream.
//
// Every event is one line `data: <payload>` followed by a blank line, where the
// payload is a JSON object or the literal terminal marker [DONE].
package frame

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

type Kind string

const (
	KindContent      Kind = "content"
	KindThinking     Kind = "thinking"
	KindProcessing   Kind = "processing"
	KindModel        Kind = "model"
	KindConversation Kind = "conversation"
	KindError        Kind = "error"
	KindDone         Kind = "done"
)

// EmptyReplyText replaces an assistant reply that finished without any content.
const EmptyReplyText = "Sorry, I wasn't able to generate a response. Please try again."

const doneMarker = "[DONE]"

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownKind = errors.New("unknown frame kind")
)

// Frame is one decoded unit of the stream. Only the fields that belong to Kind
// are meaningful.
type Frame struct {
	Kind Kind

	Content        string
	IsThinking     bool
	IsProcessing   bool
	MessageID      string
	Model          string
	ConversationID string
	PerformanceMs  int64
	Error          string
	// CanRetry is optional on error frames.
	CanRetry *bool
}

func Text(s string) Frame { return Frame{Kind: KindContent, Content: s} }

func Thinking(on bool) Frame { return Frame{Kind: KindThinking, IsThinking: on} }

func Processing(messageID string) Frame {
	return Frame{Kind: KindProcessing, IsProcessing: true, MessageID: messageID}
}

func ModelName(model string) Frame { return Frame{Kind: KindModel, Model: model} }

func Conversation(conversationID string, performanceMs int64) Frame {
	return Frame{Kind: KindConversation, ConversationID: conversationID, PerformanceMs: performanceMs}
}

func Failure(msg string, canRetry bool) Frame {
	return Frame{Kind: KindError, Error: msg, CanRetry: &canRetry}
}

func Done() Frame { return Frame{Kind: KindDone} }

// Retryable reports the canRetry hint of an error frame (false when absent).
func (f Frame) Retryable() bool {
	return f.CanRetry != nil && *f.CanRetry
}

type contentWire struct {
	Content string `json:"content"`
}

type thinkingWire struct {
	IsThinking bool `json:"isThinking"`
}

type processingWire struct {
	IsProcessing bool   `json:"isProcessing"`
	MessageID    string `json:"messageId,omitempty"`
}

type modelWire struct {
	Model string `json:"model"`
}

type conversationWire struct {
	ConversationID string `json:"conversationId"`
	PerformanceMs  int64  `json:"performanceMs"`
}

type errorWire struct {
	Error    string `json:"error"`
	CanRetry *bool  `json:"canRetry,omitempty"`
}

// Encode renders f as a complete wire event including the trailing blank line.
func Encode(f Frame) ([]byte, error) {
	var payload []byte
	var err error
	switch f.Kind {
	case KindDone:
		payload = []byte(doneMarker)
	case KindContent:
		payload, err = json.Marshal(contentWire{Content: f.Content})
	case KindThinking:
		payload, err = json.Marshal(thinkingWire{IsThinking: f.IsThinking})
	case KindProcessing:
		payload, err = json.Marshal(processingWire{IsProcessing: f.IsProcessing, MessageID: f.MessageID})
	case KindModel:
		payload, err = json.Marshal(modelWire{Model: f.Model})
	case KindConversation:
		payload, err = json.Marshal(conversationWire{ConversationID: f.ConversationID, PerformanceMs: f.PerformanceMs})
	case KindError:
		payload, err = json.Marshal(errorWire{Error: f.Error, CanRetry: f.CanRetry})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}

// Event is one decode result: either a frame or the parse error of one event.
type Event struct {
	Frame Frame
	Err   error
}

var boundary = []byte("\n\n")

// Decode extracts every complete event from buf. It is pure: the undigested
// remainder must be prepended to the next read by the caller.
func Decode(buf []byte) ([]Event, []byte) {
	var events []Event
	for {
		idx := bytes.Index(buf, boundary)
		if idx < 0 {
			break
		}
		block := buf[:idx]
		buf = buf[idx+len(boundary):]

		payload, ok := dataPayload(block)
		if !ok {
			// Comment or keep-alive block.
			continue
		}
		f, err := parsePayload(payload)
		events = append(events, Event{Frame: f, Err: err})
	}
	return events, buf
}

func dataPayload(block []byte) ([]byte, bool) {
	var lines [][]byte
	for _, line := range bytes.Split(block, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		val := line[len("data:"):]
		if len(val) > 0 && val[0] == ' ' {
			val = val[1:]
		}
		lines = append(lines, val)
	}
	if len(lines) == 0 {
		return nil, false
	}
	return bytes.Join(lines, []byte{'\n'}), true
}

func parsePayload(payload []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(payload)
	if string(trimmed) == doneMarker {
		return Done(), nil
	}
	if !gjson.ValidBytes(trimmed) {
		return Frame{}, ErrMalformed
	}
	root := gjson.ParseBytes(trimmed)
	if !root.IsObject() {
		return Frame{}, ErrMalformed
	}

	var f Frame
	switch {
	case root.Get("error").Exists():
		var w errorWire
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f = Frame{Kind: KindError, Error: w.Error, CanRetry: w.CanRetry}
	case root.Get("conversationId").Exists():
		var w conversationWire
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f = Frame{Kind: KindConversation, ConversationID: w.ConversationID, PerformanceMs: w.PerformanceMs}
	case root.Get("isProcessing").Exists():
		var w processingWire
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f = Frame{Kind: KindProcessing, IsProcessing: w.IsProcessing, MessageID: w.MessageID}
	case root.Get("isThinking").Exists():
		var w thinkingWire
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f = Frame{Kind: KindThinking, IsThinking: w.IsThinking}
	case root.Get("model").Exists():
		var w modelWire
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f = Frame{Kind: KindModel, Model: w.Model}
	case root.Get("content").Exists():
		var w contentWire
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f = Frame{Kind: KindContent, Content: w.Content}
	default:
		return Frame{}, ErrUnknownKind
	}
	return f, nil
}
