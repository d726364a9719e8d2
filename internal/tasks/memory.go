package tasks

import (
	"context"
	"time"

	"github.com/alphadose/haxmap"
)

type memoryEntry struct {
	turn      Turn
	expiresAt time.Time
}

// MemoryStore is the single-instance Store. Expired entries are dropped on
// read and swept on write.
type MemoryStore struct {
	ttl     time.Duration
	now     func() time.Time
	entries *haxmap.Map[string, memoryEntry]
}

func NewMemory(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: haxmap.New[string, memoryEntry](),
	}
}

func (s *MemoryStore) Put(_ context.Context, t Turn) error {
	if !validKey(t.MessageID) {
		return errInvalidKey
	}
	now := s.now()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	s.Sweep()
	s.entries.Set(t.MessageID, memoryEntry{turn: t, expiresAt: now.Add(s.ttl)})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, messageID string) (Turn, error) {
	e, ok := s.entries.Get(messageID)
	if !ok {
		return Turn{}, ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		s.entries.Del(messageID)
		return Turn{}, ErrNotFound
	}
	return e.turn, nil
}

// Sweep removes every expired entry.
func (s *MemoryStore) Sweep() {
	now := s.now()
	var expired []string
	s.entries.ForEach(func(k string, e memoryEntry) bool {
		if !now.Before(e.expiresAt) {
			expired = append(expired, k)
		}
		return true
	})
	if len(expired) > 0 {
		s.entries.Del(expired...)
	}
}
