package cache

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBodyAborted is returned by readers of an entry whose network
	// fetch failed before the body completed.
	ErrBodyAborted = errors.New("cache: body aborted before completion")

	// ErrReaderClosed is returned by Read after Close.
	ErrReaderClosed = errors.New("cache: reader closed")

	// ErrWriteFinished is returned by Append after Finish.
	ErrWriteFinished = errors.New("cache: write already finished")
)

// State is the lifecycle state of an entry's body.
type State int

const (
	// Streaming bodies are still being appended by a network fetch.
	Streaming State = iota
	// Complete bodies hold the full response.
	Complete
)

// body is the shared append-only buffer. It is owned jointly by the
// store entry and every reader handle, so it survives eviction until
// the last holder drops.
type body struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	done    bool
	aborted bool
}

func newBody() *body {
	b := &body{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *body) append(chunk []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, chunk...)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *body) finish(aborted bool) {
	b.mu.Lock()
	b.done = true
	b.aborted = aborted
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *body) len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.buf))
}

// Entry is one cached response. Header and status snapshots are fixed
// at BeginWrite; the body grows until the write finishes.
type Entry struct {
	key      string
	identity Identity

	status  int
	headers http.Header
	varyBy  map[string]string

	body         *body
	state        State // guarded by the store lock
	responseTime time.Time

	readers atomic.Int64
}

func (e *Entry) cloneHeaders() http.Header {
	clone := make(http.Header, len(e.headers))
	for k, v := range e.headers {
		clone[k] = append([]string(nil), v...)
	}
	return clone
}

// Handle is a reference-counted view of an entry. Holders keep the
// entry's body alive across eviction; Close releases the reference.
type Handle struct {
	entry *Entry
	once  sync.Once
}

func acquireHandle(e *Entry) *Handle {
	e.readers.Add(1)
	return &Handle{entry: e}
}

// Status returns the cached response status.
func (h *Handle) Status() int { return h.entry.status }

// Headers returns a copy of the cached response headers.
func (h *Handle) Headers() http.Header { return h.entry.cloneHeaders() }

// Size returns the current body length. For streaming entries this
// grows until the write finishes.
func (h *Handle) Size() int64 { return h.entry.body.len() }

// NewReader returns a reader over the shared body starting at offset
// zero. The reader takes its own reference and must be closed.
func (h *Handle) NewReader() *Reader {
	h.entry.readers.Add(1)
	return &Reader{entry: h.entry}
}

// Close releases the handle's reference.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.entry.readers.Add(-1)
	})
}

// Reader streams a body that may still be growing. Read blocks for
// more bytes until the writer finishes; it observes only growth, never
// truncation.
type Reader struct {
	entry  *Entry
	off    int
	closed bool
	once   sync.Once
}

// Read copies available bytes past the reader's offset, blocking while
// the body is still streaming and no new bytes have arrived.
func (r *Reader) Read(p []byte) (int, error) {
	b := r.entry.body

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if r.closed {
			return 0, ErrReaderClosed
		}
		if r.off < len(b.buf) {
			n := copy(p, b.buf[r.off:])
			r.off += n
			return n, nil
		}
		if b.done {
			if b.aborted {
				return 0, ErrBodyAborted
			}
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

// Close releases the reader's reference and wakes a blocked Read.
func (r *Reader) Close() error {
	r.once.Do(func() {
		b := r.entry.body
		b.mu.Lock()
		r.closed = true
		b.cond.Broadcast()
		b.mu.Unlock()

		r.entry.readers.Add(-1)
	})
	return nil
}

// WriteHandle is the single writer of a streaming entry.
type WriteHandle struct {
	store    *Store
	entry    *Entry
	finished atomic.Bool
}

// Append extends the shared buffer. Safe against any number of
// concurrent readers; each call is visible to readers as a whole.
func (w *WriteHandle) Append(chunk []byte) error {
	if w.finished.Load() {
		return ErrWriteFinished
	}
	if len(chunk) == 0 {
		return nil
	}
	w.entry.body.append(chunk)
	return nil
}

// Finish seals the write. On success the entry becomes Complete; on
// failure it is evicted so later lookups miss, while current readers
// drain what was appended and then observe the abort.
func (w *WriteHandle) Finish(success bool) {
	if !w.finished.CompareAndSwap(false, true) {
		return
	}
	if success {
		w.entry.body.finish(false)
		w.store.completeEntry(w.entry)
		return
	}
	w.entry.body.finish(true)
	w.store.dropFailedEntry(w.entry)
}
