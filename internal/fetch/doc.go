/*
Package fetch implements the resource fetch state machine.

# Pipeline

A fetch is dispatched by scheme: http and https go through the network
pipeline, while data, file, blob and registered custom schemes are
served locally. The http pipeline per hop: HSTS upgrade, cache lookup,
cookie and credential attachment, the wire exchange, Set-Cookie and
Strict-Transport-Security observation, then redirect handling or body
delivery. Responses stream to the consumer in chunks, teeing into the
HTTP cache when the response is cacheable.

# Consumers

Consumers implement Target and receive callbacks in a fixed order:
ProcessRequestBody when the request carries a body, ProcessResponse,
zero or more ProcessResponseChunk, and exactly one ProcessResponseEOF.
Cancellation is cooperative through a token checked before every hop
and every chunk; a cancelled fetch ends with a cancelled outcome,
never an error.

# Coalescing

Identical concurrent GET misses collapse onto one network fetch. The
elected fetch feeds a streaming cache entry; every later arrival hits
that entry in Lookup and follows the body as it grows, so N consumers
cost one wire transfer.
*/
package fetch
