package cache

import (
	"container/list"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/logging"
)

// LookupState classifies a cache lookup.
type LookupState int

const (
	// Miss: no usable entry; fetch from the network.
	Miss LookupState = iota
	// Hit: a fresh (or still-streaming) entry; serve without network.
	Hit
	// Stale: an entry exists but must be revalidated before reuse.
	Stale
)

// LookupResult carries the lookup outcome. Handle is set only on Hit;
// on Stale the validators drive a conditional request.
type LookupResult struct {
	State        LookupState
	Handle       *Handle
	ETag         string
	LastModified string
}

// Outcome is the result of revalidating a stale entry.
type Outcome int

const (
	// NotModified: the stored body remains valid and was refreshed.
	NotModified Outcome = iota
	// Replace: the stored body is obsolete; a new write must follow.
	Replace
)

// Store is the in-memory HTTP response cache. Lookups are safe against
// concurrent writers; streaming entries are readable while a fetch is
// still appending. Capacity is a byte budget enforced by evicting
// complete, unreferenced entries in least-recently-used order.
type Store struct {
	capacity int64
	log      *logging.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	// OnEvict, when set, observes evictions with a reason of
	// "lru", "clear", "failed" or "replaced". Set before first use.
	OnEvict func(reason string)

	now func() time.Time
}

// NewStore creates a cache with the given byte capacity.
func NewStore(capacityBytes int64, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	return &Store{
		capacity: capacityBytes,
		log:      log,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Lookup returns the entry for this identity if it can be used. A
// streaming entry is always a Hit: readers follow the in-flight body.
// A complete entry is a Hit while fresh, Stale when revalidatable, and
// a Miss otherwise. Vary mismatches are misses.
func (s *Store) Lookup(identity Identity, reqHeaders http.Header) LookupResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[identity.Key()]
	if !ok {
		return LookupResult{State: Miss}
	}
	e := elem.Value.(*Entry)

	if !varyMatches(e, reqHeaders) {
		return LookupResult{State: Miss}
	}

	if e.state == Streaming {
		s.lru.MoveToFront(elem)
		return LookupResult{State: Hit, Handle: acquireHandle(e)}
	}

	etag, lastModified := Validators(e.headers)
	stale := LookupResult{State: Stale, ETag: etag, LastModified: lastModified}
	if etag == "" && lastModified == "" {
		stale = LookupResult{State: Miss}
	}

	if ParseCacheControl(e.headers).NoCache() || ParseCacheControl(reqHeaders).NoCache() {
		return stale
	}

	age := CurrentAge(e.headers, e.responseTime, s.now())
	lifetime := FreshnessLifetime(e.headers, e.responseTime)
	if age >= lifetime {
		return stale
	}

	s.lru.MoveToFront(elem)
	return LookupResult{State: Hit, Handle: acquireHandle(e)}
}

// BeginWrite creates a streaming entry for the identity, replacing any
// existing entry. Lookups arriving before Finish see the streaming
// entry and read bytes as they are appended.
func (s *Store) BeginWrite(identity Identity, status int, respHeaders, reqHeaders http.Header) *WriteHandle {
	e := &Entry{
		key:          identity.Key(),
		identity:     identity,
		status:       status,
		headers:      cloneHeader(respHeaders),
		varyBy:       varySnapshot(respHeaders, reqHeaders),
		body:         newBody(),
		state:        Streaming,
		responseTime: s.now(),
	}

	s.mu.Lock()
	if old, ok := s.entries[e.key]; ok {
		s.removeLocked(old, "replaced")
	}
	s.entries[e.key] = s.lru.PushFront(e)
	s.mu.Unlock()

	return &WriteHandle{store: s, entry: e}
}

// Revalidate applies the result of a conditional request. A 304
// refreshes the stored headers and returns the retained body; anything
// else evicts the stale entry and asks the caller to write the new
// response.
func (s *Store) Revalidate(identity Identity, status int, respHeaders http.Header) (Outcome, *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[identity.Key()]
	if !ok {
		return Replace, nil
	}
	e := elem.Value.(*Entry)

	if status != http.StatusNotModified {
		s.removeLocked(elem, "replaced")
		return Replace, nil
	}

	mergeRevalidatedHeaders(e.headers, respHeaders)
	e.responseTime = s.now()
	s.lru.MoveToFront(elem)
	return NotModified, acquireHandle(e)
}

// Clear drops all entries. Readers holding handles keep their bodies;
// only the store's references are released.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range s.entries {
		s.notifyEvict("clear")
	}
	s.entries = make(map[string]*list.Element)
	s.lru.Init()
	s.log.Debug("cache cleared")
}

// Usage reports resident body bytes and entry count.
func (s *Store) Usage() (bytes int64, entries int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, elem := range s.entries {
		bytes += elem.Value.(*Entry).body.len()
	}
	return bytes, len(s.entries)
}

// completeEntry transitions a finished write to Complete and enforces
// the capacity budget. Writers detached by replacement are ignored.
func (s *Store) completeEntry(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[e.key]
	if !ok || elem.Value.(*Entry) != e {
		return
	}
	e.state = Complete
	s.evictOverBudgetLocked()
}

// dropFailedEntry evicts an entry whose fetch failed, so later lookups
// miss. Detached writers are ignored.
func (s *Store) dropFailedEntry(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[e.key]
	if !ok || elem.Value.(*Entry) != e {
		return
	}
	s.removeLocked(elem, "failed")
}

// evictOverBudgetLocked walks the LRU tail evicting complete entries
// with no live readers until the budget is met. Streaming entries and
// entries with readers are never evicted. Caller holds mu.
func (s *Store) evictOverBudgetLocked() {
	if s.capacity <= 0 {
		return
	}

	total := int64(0)
	for _, elem := range s.entries {
		total += elem.Value.(*Entry).body.len()
	}

	elem := s.lru.Back()
	for total > s.capacity && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*Entry)
		if e.state == Complete && e.readers.Load() == 0 {
			total -= e.body.len()
			s.removeLocked(elem, "lru")
		}
		elem = prev
	}
}

func (s *Store) removeLocked(elem *list.Element, reason string) {
	e := elem.Value.(*Entry)
	delete(s.entries, e.key)
	s.lru.Remove(elem)
	s.notifyEvict(reason)
	s.log.Debug("cache entry evicted",
		zap.String("url", e.identity.URL),
		zap.String("reason", reason),
	)
}

func (s *Store) notifyEvict(reason string) {
	if s.OnEvict != nil {
		s.OnEvict(reason)
	}
}

func varySnapshot(respHeaders, reqHeaders http.Header) map[string]string {
	var snapshot map[string]string
	for _, value := range respHeaders.Values("Vary") {
		for _, name := range strings.Split(value, ",") {
			name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
			if name == "" || name == "*" {
				continue
			}
			if snapshot == nil {
				snapshot = make(map[string]string)
			}
			snapshot[name] = reqHeaders.Get(name)
		}
	}
	return snapshot
}

func varyMatches(e *Entry, reqHeaders http.Header) bool {
	for name, stored := range e.varyBy {
		if reqHeaders.Get(name) != stored {
			return false
		}
	}
	return true
}

func cloneHeader(h http.Header) http.Header {
	clone := make(http.Header, len(h))
	for k, v := range h {
		clone[k] = append([]string(nil), v...)
	}
	return clone
}

// mergeRevalidatedHeaders freshens stored headers with those from a
// 304, skipping hop-by-hop fields and Content-Length.
func mergeRevalidatedHeaders(stored, fresh http.Header) {
	for name, values := range fresh {
		switch name {
		case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
			"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length":
			continue
		}
		stored[name] = append([]string(nil), values...)
	}
}
