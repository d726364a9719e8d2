package chatclient

import (
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// TempPrefix marks client-generated ids that the server has not confirmed.
const TempPrefix = "temp_"

func newTempID() string { return TempPrefix + uuid.NewString() }

// IsTemp reports whether id was generated locally.
func IsTemp(id string) bool { return strings.HasPrefix(id, TempPrefix) }

// ThreadRef is the active-thread cell of one logical conversation. Writers
// dereference it at write time, so a migration that happens while a request
// is in flight redirects its late deltas to the durable bucket.
type ThreadRef struct {
	id atomic.Pointer[string]
}

func newThreadRef(id string) *ThreadRef {
	r := &ThreadRef{}
	r.set(id)
	return r
}

// ID returns the thread id currently active for the conversation.
func (r *ThreadRef) ID() string {
	if r == nil {
		return ""
	}
	if p := r.id.Load(); p != nil {
		return *p
	}
	return ""
}

// Temporary reports whether the conversation still lives under a temp id.
func (r *ThreadRef) Temporary() bool { return IsTemp(r.ID()) }

func (r *ThreadRef) set(id string) { r.id.Store(&id) }
