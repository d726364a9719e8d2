// Package chatclient is the client side of the chat pipeline: a reactive
// message store and the consumer that renders a frame stream into it.
package chatclient

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StateOptimistic State = "optimistic"
	StateStreaming  State = "streaming"
	StateFinalized  State = "finalized"
	StateRemoved    State = "removed"
)

var (
	ErrUnknownThread  = errors.New("unknown thread")
	ErrUnknownMessage = errors.New("unknown message")
	ErrMessageClosed  = errors.New("message is no longer open")
)

type Thread struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	Model     string
	CreatedAt time.Time
	State     State

	// durableID is the server id announced while the message streams; it
	// replaces ID on finalize.
	durableID string
}

func (m Message) open() bool { return m.State == StateOptimistic || m.State == StateStreaming }

type StoreOptions struct {
	// OnChange is called after every mutation with the affected thread id.
	// It runs outside the store lock.
	OnChange func(threadID string)

	Now func() time.Time
}

// Store holds per-thread message lists. All mutations are serialized by one
// mutex, and message lists stay ordered by CreatedAt.
type Store struct {
	mu       sync.Mutex
	threads  map[string]*Thread
	messages map[string][]*Message
	refs     map[string]*ThreadRef

	onChange func(string)
	now      func() time.Time
}

func NewStore(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		threads:  map[string]*Thread{},
		messages: map[string][]*Message{},
		refs:     map[string]*ThreadRef{},
		onChange: opts.OnChange,
		now:      now,
	}
}

func (s *Store) changed(threadID string) {
	if s.onChange != nil && threadID != "" {
		s.onChange(threadID)
	}
}

// NewThread starts a conversation under a temp id.
func (s *Store) NewThread(title string) *ThreadRef {
	id := newTempID()
	s.mu.Lock()
	now := s.now()
	s.threads[id] = &Thread{ID: id, Title: strings.TrimSpace(title), CreatedAt: now, UpdatedAt: now}
	ref := newThreadRef(id)
	s.refs[id] = ref
	s.mu.Unlock()
	s.changed(id)
	return ref
}

// Ref returns the active-thread cell for a known durable thread, registering
// the thread when it is new to the store.
func (s *Store) Ref(threadID string) *ThreadRef {
	threadID = strings.TrimSpace(threadID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.refs[threadID]; ok {
		return ref
	}
	if _, ok := s.threads[threadID]; !ok {
		now := s.now()
		s.threads[threadID] = &Thread{ID: threadID, CreatedAt: now, UpdatedAt: now}
	}
	ref := newThreadRef(threadID)
	s.refs[threadID] = ref
	return ref
}

// PutThread records server metadata for a thread.
func (s *Store) PutThread(t Thread) {
	if strings.TrimSpace(t.ID) == "" {
		return
	}
	s.mu.Lock()
	cp := t
	s.threads[t.ID] = &cp
	s.mu.Unlock()
	s.changed(t.ID)
}

func (s *Store) Thread(threadID string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return Thread{}, false
	}
	return *t, true
}

// Threads lists known threads, most recently updated first.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, *t)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Thread) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// AddOptimistic appends a message under a temp id, visible immediately.
func (s *Store) AddOptimistic(ref *ThreadRef, role, content string) (Message, error) {
	s.mu.Lock()
	threadID := ref.ID()
	th, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrUnknownThread
	}
	now := s.now()
	if n := len(s.messages[threadID]); n > 0 {
		// Keep CreatedAt strictly increasing within a bucket.
		if last := s.messages[threadID][n-1].CreatedAt; !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	m := &Message{
		ID:        newTempID(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		State:     StateOptimistic,
	}
	s.messages[threadID] = append(s.messages[threadID], m)
	th.UpdatedAt = now
	out := *m
	s.mu.Unlock()
	s.changed(threadID)
	return out, nil
}

// find returns the open message messageID in the bucket ref points at now.
// Callers hold s.mu.
func (s *Store) find(ref *ThreadRef, messageID string) (*Message, error) {
	for _, m := range s.messages[ref.ID()] {
		if m.ID == messageID {
			if !m.open() {
				return nil, ErrMessageClosed
			}
			return m, nil
		}
	}
	return nil, ErrUnknownMessage
}

func (s *Store) mutate(ref *ThreadRef, messageID string, fn func(m *Message)) error {
	s.mu.Lock()
	m, err := s.find(ref, messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	fn(m)
	threadID := m.ThreadID
	s.mu.Unlock()
	s.changed(threadID)
	return nil
}

// AppendContent grows an open message. Content is only ever appended.
func (s *Store) AppendContent(ref *ThreadRef, messageID, delta string) error {
	return s.mutate(ref, messageID, func(m *Message) {
		m.Content += delta
		m.State = StateStreaming
	})
}

// Patch is a targeted metadata update. Empty fields are left unchanged.
type Patch struct {
	Model     string
	DurableID string
}

func (s *Store) Patch(ref *ThreadRef, messageID string, p Patch) error {
	return s.mutate(ref, messageID, func(m *Message) {
		if p.Model != "" {
			m.Model = p.Model
		}
		if p.DurableID != "" {
			m.durableID = p.DurableID
		}
	})
}

// ReplaceContent overwrites an open message's content. Used only for the
// empty-reply apology.
func (s *Store) ReplaceContent(ref *ThreadRef, messageID, text string) error {
	return s.mutate(ref, messageID, func(m *Message) { m.Content = text })
}

// Finalize closes a message and swaps in its durable id. It returns the
// message as stored.
func (s *Store) Finalize(ref *ThreadRef, messageID string) (Message, error) {
	var out Message
	err := s.mutate(ref, messageID, func(m *Message) {
		if m.durableID != "" {
			m.ID = m.durableID
		}
		m.State = StateFinalized
		out = *m
	})
	return out, err
}

// Remove drops a message from its thread.
func (s *Store) Remove(ref *ThreadRef, messageID string) error {
	s.mu.Lock()
	threadID := ref.ID()
	list := s.messages[threadID]
	i := slices.IndexFunc(list, func(m *Message) bool { return m.ID == messageID })
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	list[i].State = StateRemoved
	s.messages[threadID] = slices.Delete(list, i, i+1)
	s.mu.Unlock()
	s.changed(threadID)
	return nil
}

// Messages returns a snapshot of a thread ordered by CreatedAt.
func (s *Store) Messages(threadID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[threadID]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

// MigrateThread moves every message of tempID onto realID in one step,
// deletes the temp bucket and repoints the conversation's ThreadRef.
func (s *Store) MigrateThread(tempID, realID string) error {
	tempID = strings.TrimSpace(tempID)
	realID = strings.TrimSpace(realID)
	if tempID == "" || realID == "" {
		return errors.New("missing thread id")
	}
	if tempID == realID {
		return nil
	}

	s.mu.Lock()
	th, ok := s.threads[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownThread
	}
	moved := s.messages[tempID]
	for _, m := range moved {
		m.ThreadID = realID
	}
	merged := append(s.messages[realID], moved...)
	slices.SortStableFunc(merged, func(a, b *Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	s.messages[realID] = merged
	delete(s.messages, tempID)

	if existing, ok := s.threads[realID]; ok {
		if existing.Title == "" {
			existing.Title = th.Title
		}
		if th.UpdatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = th.UpdatedAt
		}
	} else {
		cp := *th
		cp.ID = realID
		s.threads[realID] = &cp
	}
	delete(s.threads, tempID)

	if ref, ok := s.refs[tempID]; ok {
		ref.set(realID)
		s.refs[realID] = ref
		delete(s.refs, tempID)
	}
	s.mu.Unlock()

	s.changed(tempID)
	s.changed(realID)
	return nil
}

// Hydrate merges a server snapshot of a thread. An empty snapshot is ignored,
// as is one whose length matches the local confirmed messages. Local messages
// still optimistic or streaming are kept after the merge. It reports whether
// the store changed.
func (s *Store) Hydrate(threadID string, server []Message) bool {
	if len(server) == 0 {
		return false
	}
	s.mu.Lock()
	local := s.messages[threadID]
	confirmed := 0
	var pending []*Message
	for _, m := range local {
		if m.open() {
			pending = append(pending, m)
			continue
		}
		confirmed++
	}
	if len(server) == confirmed {
		s.mu.Unlock()
		return false
	}

	// An in-flight message wins over its server placeholder row.
	inflight := make(map[string]struct{}, len(pending))
	for _, m := range pending {
		if m.durableID != "" {
			inflight[m.durableID] = struct{}{}
		}
	}
	merged := make([]*Message, 0, len(server)+len(pending))
	for _, m := range server {
		if _, ok := inflight[m.ID]; ok {
			continue
		}
		cp := m
		cp.ThreadID = threadID
		cp.State = StateFinalized
		merged = append(merged, &cp)
	}
	merged = append(merged, pending...)
	slices.SortStableFunc(merged, func(a, b *Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	s.messages[threadID] = merged
	if _, ok := s.threads[threadID]; !ok {
		now := s.now()
		s.threads[threadID] = &Thread{ID: threadID, CreatedAt: now, UpdatedAt: now}
	}
	s.mu.Unlock()
	s.changed(threadID)
	return true
}
