package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// NATSStore keeps turns in a JetStream key-value bucket whose TTL is set on
// the bucket itself, so expiry is owned by the server.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATS binds to bucket, creating it with ttl when it does not exist.
func NewNATS(nc *nats.Conn, bucket string, ttl time.Duration) (*NATSStore, error) {
	if nc == nil {
		return nil, errors.New("nil nats connection")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = "chat_turns"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "chat turn state",
			TTL:         ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	return &NATSStore{kv: kv}, nil
}

func (s *NATSStore) Put(_ context.Context, t Turn) error {
	if !validKey(t.MessageID) {
		return errInvalidKey
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(t.MessageID, b)
	return err
}

func (s *NATSStore) Get(_ context.Context, messageID string) (Turn, error) {
	if !validKey(messageID) {
		return Turn{}, ErrNotFound
	}
	entry, err := s.kv.Get(messageID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return Turn{}, ErrNotFound
		}
		return Turn{}, err
	}
	var t Turn
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return Turn{}, fmt.Errorf("decode turn %s: %w", messageID, err)
	}
	return t, nil
}
