/*
Package cache implements the in-memory HTTP response cache.

# Overview

Entries are keyed by normalized request identity (scheme, method, URL,
and the Range/Accept-Encoding header subset). An entry's body is either
Complete or Streaming: a streaming body is an append-only shared buffer
fed by the single network fetch while any number of readers follow it.
That lets one in-flight fetch serve every tab requesting the same
resource.

# Lifecycle

	BeginWrite -> Append* -> Finish(true)   entry becomes Complete
	BeginWrite -> Append* -> Finish(false)  entry is evicted; readers
	                                        drain then observe the abort

Readers hold reference-counted handles, so eviction (capacity pressure,
Clear, replacement after revalidation) never invalidates a body someone
is still reading.

# Freshness

Lookup enforces RFC 9111 freshness for a private cache: max-age, then
Expires, then heuristic lifetime; no-cache forces revalidation and
no-store is never admitted. Stale entries surface their validators so
the fetch layer can issue a conditional request and call Revalidate.

# Eviction

Capacity is a byte budget. Only Complete entries with no live readers
are evicted, least recently used first. Streaming writes are never
evicted by pressure.
*/
package cache
