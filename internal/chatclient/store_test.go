package chatclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHydrate_EmptyServerResultKeepsOptimistic(t *testing.T) {
	s := NewStore(StoreOptions{})
	ref := s.Ref("t1")
	_, err := s.AddOptimistic(ref, "user", "hello")
	require.NoError(t, err)

	assert.False(t, s.Hydrate("t1", nil))
	assert.Len(t, s.Messages("t1"), 1)
}

func TestHydrate_MergesOnlyWhenCountDiffers(t *testing.T) {
	s := NewStore(StoreOptions{})
	base := time.UnixMilli(1_700_000_000_000)
	server := []Message{
		{ID: "m1", Role: "user", Content: "hi", CreatedAt: base},
		{ID: "m2", Role: "assistant", Content: "hello", CreatedAt: base.Add(time.Second)},
	}
	require.True(t, s.Hydrate("t1", server))
	assert.False(t, s.Hydrate("t1", server))

	ref := s.Ref("t1")
	pending, err := s.AddOptimistic(ref, "user", "next")
	require.NoError(t, err)

	server = append(server, Message{ID: "m3", Role: "user", Content: "more", CreatedAt: base.Add(2 * time.Second)})
	require.True(t, s.Hydrate("t1", server))
	msgs := s.Messages("t1")
	require.Len(t, msgs, 4)
	assert.Equal(t, "m3", msgs[2].ID)
	assert.Equal(t, pending.ID, msgs[3].ID)
	assert.Equal(t, StateOptimistic, msgs[3].State)
	for _, m := range msgs[:3] {
		assert.Equal(t, StateFinalized, m.State)
	}
}

func TestHydrate_InflightMessageWinsOverPlaceholderRow(t *testing.T) {
	s := NewStore(StoreOptions{})
	ref := s.Ref("t1")
	m, err := s.AddOptimistic(ref, "assistant", "")
	require.NoError(t, err)
	require.NoError(t, s.Patch(ref, m.ID, Patch{DurableID: "srv-1"}))
	require.NoError(t, s.AppendContent(ref, m.ID, "partial"))

	require.True(t, s.Hydrate("t1", []Message{
		{ID: "u1", Role: "user", Content: "q"},
		{ID: "srv-1", Role: "assistant", Content: ""},
	}))
	msgs := s.Messages("t1")
	require.Len(t, msgs, 2)
	assert.Equal(t, m.ID, msgs[1].ID)
	assert.Equal(t, "partial", msgs[1].Content)
}

func TestMigrateThread_MovesEverythingAndRepointsRef(t *testing.T) {
	var changes []string
	s := NewStore(StoreOptions{OnChange: func(id string) { changes = append(changes, id) }})
	ref := s.NewThread("greeting")
	tempID := ref.ID()
	require.True(t, IsTemp(tempID))

	u, err := s.AddOptimistic(ref, "user", "Hello")
	require.NoError(t, err)
	a, err := s.AddOptimistic(ref, "assistant", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendContent(ref, a.ID, "Hi"))

	require.NoError(t, s.MigrateThread(tempID, "T1"))
	assert.Empty(t, s.Messages(tempID))
	_, ok := s.Thread(tempID)
	assert.False(t, ok)
	assert.Equal(t, "T1", ref.ID())
	assert.False(t, ref.Temporary())

	require.NoError(t, s.AppendContent(ref, a.ID, " there"))
	msgs := s.Messages("T1")
	require.Len(t, msgs, 2)
	assert.Equal(t, u.ID, msgs[0].ID)
	assert.Equal(t, "Hi there", msgs[1].Content)
	for _, m := range msgs {
		assert.Equal(t, "T1", m.ThreadID)
	}
	th, ok := s.Thread("T1")
	require.True(t, ok)
	assert.Equal(t, "greeting", th.Title)
	assert.Same(t, ref, s.Ref("T1"))
	assert.Contains(t, changes, "T1")
}

func TestLifecycle(t *testing.T) {
	s := NewStore(StoreOptions{})
	ref := s.Ref("t1")
	m, err := s.AddOptimistic(ref, "assistant", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendContent(ref, m.ID, "a"))
	assert.Equal(t, StateStreaming, s.Messages("t1")[0].State)

	require.NoError(t, s.Patch(ref, m.ID, Patch{Model: "openai/gpt-5-mini", DurableID: "srv"}))
	final, err := s.Finalize(ref, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv", final.ID)
	assert.Equal(t, "openai/gpt-5-mini", final.Model)
	assert.Equal(t, StateFinalized, final.State)

	assert.ErrorIs(t, s.AppendContent(ref, "srv", "late"), ErrMessageClosed)
	assert.ErrorIs(t, s.AppendContent(ref, "nope", "x"), ErrUnknownMessage)

	require.NoError(t, s.Remove(ref, "srv"))
	assert.Empty(t, s.Messages("t1"))

	_, err = s.AddOptimistic(&ThreadRef{}, "user", "x")
	assert.ErrorIs(t, err, ErrUnknownThread)
}

func TestAddOptimistic_KeepsOrder(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	s := NewStore(StoreOptions{Now: func() time.Time { return fixed }})
	ref := s.Ref("t1")
	for i := 0; i < 3; i++ {
		_, err := s.AddOptimistic(ref, "user", "x")
		require.NoError(t, err)
	}
	msgs := s.Messages("t1")
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt))
	assert.True(t, msgs[1].CreatedAt.Before(msgs[2].CreatedAt))
}
