// Package notify tells interested parties that a durable thread came into
// existence.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// ThreadStarted is the event fired once per newly created durable thread.
type ThreadStarted struct {
	ThreadID  string    `json:"threadId"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notifier receives thread-started events. Implementations must not block the
// caller for long.
type Notifier interface {
	ThreadStarted(ctx context.Context, ev ThreadStarted) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, ev ThreadStarted) error

func (f Func) ThreadStarted(ctx context.Context, ev ThreadStarted) error {
	if f == nil {
		return nil
	}
	return f(ctx, ev)
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) ThreadStarted(ctx context.Context, ev ThreadStarted) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.ThreadStarted(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const DefaultSubject = "chat.thread.started"

// NATSPublisher publishes thread-started events as JSON on a NATS subject.
type NATSPublisher struct {
	log     *slog.Logger
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(logger *slog.Logger, nc *nats.Conn, subject string) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nil nats connection")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{log: logger, nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) ThreadStarted(_ context.Context, ev ThreadStarted) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		return err
	}
	p.log.Debug("published thread started", "subject", p.subject, "thread_id", ev.ThreadID)
	return nil
}
