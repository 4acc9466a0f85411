// Package cancel provides cooperative cancellation for fetch tasks.
//
// A Token is a monotonic cancellation flag shared between the dispatch
// loop and the fetch task that owns the request. The Registry tracks
// tokens by request ID without keeping them alive: entries whose strong
// holders have all released are pruned lazily on later lookups.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Token is a shared cancellation flag. Setting it is idempotent and
// monotonic; readers may poll Cancelled or select on Done.
type Token struct {
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
}

// NewToken creates an uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag. Safe to call any number of times from any
// goroutine; the token never reverts to uncancelled.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
	})
}

// Cancelled reports whether the token has been cancelled. Never blocks.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Done returns a channel closed on cancellation, for select loops.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
