/*
Package dispatch runs the control loop of the resource subsystem.

# Channels

Three channels feed one goroutine: the public control channel, the
private control channel, and a memory-report channel. A message's
channel selects the profile it operates on; the two profiles share
nothing but the file manager and worker pool. Every non-fetch message
is handled synchronously on the loop, so per-profile state never sees
concurrent control mutations.

# Fetches

Fetch and FetchRedirect leave the loop: each runs on its own goroutine
behind a concurrency semaphore, holding a strong registry reference for
its request ID. Cancel flags the token under that ID; a redirect
continuation reuses the ID, so cancellation reaches it too.

# Exit

Only Exit ends the loop: both profiles flush and close, the worker
pool stops with a bounded wait, and the reply channel is acked. A
malformed message is logged and skipped; the loop must survive
anything short of Exit.
*/
package dispatch
