// Package tasks records the state of in-flight and recently finished chat
// turns in a keyed store with TTL, so any instance can answer "what happened
// to message X".
package tasks

import (
	"context"
	"errors"
	"strings"
	"time"
)

type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StatePartial  State = "partial"
	StateFailed   State = "failed"
)

// DefaultTTL bounds how long a finished turn stays queryable.
const DefaultTTL = 10 * time.Minute

var ErrNotFound = errors.New("task not found")

// Turn is the registry record of one assistant message being produced.
type Turn struct {
	MessageID string    `json:"messageId"`
	ThreadID  string    `json:"threadId"`
	UserID    string    `json:"userId"`
	Model     string    `json:"model,omitempty"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	Chars     int       `json:"chars"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Finished reports whether the turn reached a terminal state.
func (t Turn) Finished() bool {
	return t.State == StateComplete || t.State == StatePartial || t.State == StateFailed
}

// Store is a keyed TTL store of turns. Entries expire TTL after their last Put.
type Store interface {
	Put(ctx context.Context, t Turn) error
	Get(ctx context.Context, messageID string) (Turn, error)
}

func validKey(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	// NATS KV keys allow [-/_=.a-zA-Z0-9].
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '=', r == '.', r == '/':
		default:
			return false
		}
	}
	return true
}

var errInvalidKey = errors.New("invalid task key")
