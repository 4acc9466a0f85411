package state

import (
	"fmt"
	"sync"

	"github.com/emberweb/resourced/internal/cookies"
	"github.com/emberweb/resourced/internal/shared/id"
)

// CookieChange describes one jar mutation delivered to listeners.
type CookieChange struct {
	Host    string          `json:"host"`
	Cookie  *cookies.Cookie `json:"cookie,omitempty"`
	Removed bool            `json:"removed"`
}

// ListenerHub fans cookie changes out to registered listeners. At most
// one listener may hold a given id; a slow listener drops changes
// rather than blocking the writer. Sends happen under the read lock and
// channel close under the write lock, so Broadcast never races a close.
type ListenerHub struct {
	mu        sync.RWMutex
	listeners map[id.ListenerID]chan CookieChange
}

func NewListenerHub() *ListenerHub {
	return &ListenerHub{listeners: make(map[id.ListenerID]chan CookieChange)}
}

// Subscribe registers a listener channel under the id. The id must not
// already be taken.
func (h *ListenerHub) Subscribe(lid id.ListenerID, ch chan CookieChange) error {
	if lid == "" {
		return fmt.Errorf("listener id cannot be empty")
	}
	if ch == nil {
		return fmt.Errorf("listener channel cannot be nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.listeners[lid]; taken {
		return fmt.Errorf("listener %s already registered", lid)
	}
	h.listeners[lid] = ch
	return nil
}

// Unsubscribe removes the listener and closes its channel. Reports
// whether the id was registered.
func (h *ListenerHub) Unsubscribe(lid id.ListenerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.listeners[lid]
	if !ok {
		return false
	}
	delete(h.listeners, lid)
	close(ch)
	return true
}

// Broadcast delivers the change to every listener that has room.
func (h *ListenerHub) Broadcast(change CookieChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- change:
		default:
		}
	}
}

// Close unsubscribes every listener.
func (h *ListenerHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for lid, ch := range h.listeners {
		delete(h.listeners, lid)
		close(ch)
	}
}

// Len reports the number of registered listeners.
func (h *ListenerHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
