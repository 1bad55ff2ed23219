// Package presence tracks which user identities are currently connected and
// through which transport connection. The registry is the only place the
// relay consults to find a receiver; it holds no persistent state and is
// rebuilt from scratch by clients re-joining after a restart.
package presence

import (
	"sync"

	"github.com/agrilink/chat-app/internal/metrics"
)

// Handle is a live transport connection. The registry never owns or closes
// handles. Handles are compared with ==, so implementations must be
// comparable (pointer receivers are).
type Handle interface {
	Send(data []byte) error
}

// Registry is a bidirectional identity <-> handle map. At most one handle is
// registered per identity and at most one identity per handle; the last join
// wins.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]Handle // user_id -> handle
	byHandle map[Handle]string // handle -> user_id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string]Handle),
		byHandle: make(map[Handle]string),
	}
}

// Join maps userID to h, unconditionally replacing any existing mapping. The
// replaced handle, if any, is returned; it is not notified. If h was joined
// under a different identity before, that identity is dropped.
func (r *Registry) Join(userID string, h Handle) (replaced Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUser, ok := r.byHandle[h]; ok && prevUser != userID {
		if r.byUser[prevUser] == h {
			delete(r.byUser, prevUser)
		}
	}

	if old, ok := r.byUser[userID]; ok && old != h {
		delete(r.byHandle, old)
		replaced = old
	}

	r.byUser[userID] = h
	r.byHandle[h] = userID
	metrics.OnlineUsers.Set(float64(len(r.byUser)))
	return replaced
}

// Lookup returns the handle currently registered for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.byUser[userID]
	r.mu.RUnlock()
	return h, ok
}

// Remove drops the entry owned by h and returns the identity it was joined
// under. The identity entry is only deleted while it still points at h, so a
// disconnect processed after the same user re-joined on a new connection
// leaves the fresh mapping intact.
func (r *Registry) Remove(h Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byHandle[h]
	if !ok {
		return "", false
	}
	delete(r.byHandle, h)

	if r.byUser[userID] != h {
		return userID, false
	}
	delete(r.byUser, userID)
	metrics.OnlineUsers.Set(float64(len(r.byUser)))
	return userID, true
}

// Online reports whether userID has a registered handle.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// Clear drops every entry. Called at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.byUser = make(map[string]Handle)
	r.byHandle = make(map[Handle]string)
	r.mu.Unlock()
	metrics.OnlineUsers.Set(0)
}
