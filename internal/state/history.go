package state

import (
	"sync"

	"github.com/google/uuid"
)

// HistoryStates holds serialized session-history entries keyed by
// state id. Blobs are opaque to this layer; they live only for the
// process lifetime.
type HistoryStates struct {
	mu     sync.RWMutex
	states map[uuid.UUID][]byte
}

func NewHistoryStates() *HistoryStates {
	return &HistoryStates{states: make(map[uuid.UUID][]byte)}
}

// Set stores the blob for the id, replacing any previous value.
func (h *HistoryStates) Set(id uuid.UUID, data []byte) {
	blob := make([]byte, len(data))
	copy(blob, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[id] = blob
}

// Get returns a copy of the blob for the id.
func (h *HistoryStates) Get(id uuid.UUID) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	blob, ok := h.states[id]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, true
}

// Remove drops every id in the list. Unknown ids are ignored.
func (h *HistoryStates) Remove(ids []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		delete(h.states, id)
	}
}

func (h *HistoryStates) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.states)
}
