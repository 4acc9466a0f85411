package cancel

import (
	"sync"

	"github.com/emberweb/resourced/internal/shared/id"
)

// Registry maps request IDs to cancellation tokens. The registry holds
// only weak entries: a token stays resident while at least one Ref from
// GetOrCreate is unreleased, and dead entries are swept opportunistically
// on the next GetOrCreate rather than eagerly.
type Registry struct {
	mu      sync.Mutex
	entries map[id.RequestID]*entry
}

type entry struct {
	token  *Token
	strong int
}

// Ref is a strong reference to a token. The holder must call Release
// exactly once when the fetch finishes; Release is idempotent so
// deferred cleanup on error paths is safe.
type Ref struct {
	Token *Token

	reg      *Registry
	id       id.RequestID
	released bool
	mu       sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[id.RequestID]*entry)}
}

// GetOrCreate returns a strong reference to the live token for reqID,
// creating one if none is live. Dead entries encountered on the way are
// pruned. Lookup-and-create runs under the registry lock so two racing
// callers for the same id always share one token.
func (r *Registry) GetOrCreate(reqID id.RequestID) *Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()

	e, ok := r.entries[reqID]
	if !ok {
		e = &entry{token: NewToken()}
		r.entries[reqID] = e
	}
	e.strong++

	return &Ref{Token: e.token, reg: r, id: reqID}
}

// CancelAll upgrades each id's entry if still live and sets cancelled.
// Ids with no live token are skipped; cancelling an already-cancelled
// token is a no-op.
func (r *Registry) CancelAll(ids []id.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reqID := range ids {
		if e, ok := r.entries[reqID]; ok && e.strong > 0 {
			e.token.Cancel()
		}
	}
}

// Len reports the number of live entries. Dead entries awaiting a sweep
// are not counted.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.strong > 0 {
			n++
		}
	}
	return n
}

// pruneLocked removes entries with no strong holders. Caller holds mu.
func (r *Registry) pruneLocked() {
	for reqID, e := range r.entries {
		if e.strong == 0 {
			delete(r.entries, reqID)
		}
	}
}

// Release drops the strong reference. The entry stays in the map until
// the next sweep; its token is only reachable by holders that already
// have it.
func (ref *Ref) Release() {
	ref.mu.Lock()
	if ref.released {
		ref.mu.Unlock()
		return
	}
	ref.released = true
	ref.mu.Unlock()

	ref.reg.mu.Lock()
	if e, ok := ref.reg.entries[ref.id]; ok && e.strong > 0 {
		e.strong--
	}
	ref.reg.mu.Unlock()
}
