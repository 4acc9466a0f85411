package fetch

import (
	"net/http"
	"net/url"
)

// Response is the metadata delivered to the consumer before any body
// chunk. Headers reflect the decoded body: content codings applied on
// the wire are removed along with their Content-Encoding marker.
type Response struct {
	URL        *url.URL    `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Headers    http.Header `json:"headers"`
	FromCache  bool        `json:"from_cache"`
}

// Result is the terminal disposition of one fetch.
type Result string

const (
	ResultDone         Result = "done"
	ResultNetworkError Result = "network_error"
	ResultCancelled    Result = "cancelled"
)

// Outcome is delivered exactly once, after the last chunk. Cancelled
// is deliberately not an error: navigating away is not a failure.
type Outcome struct {
	Result Result `json:"result"`
	Reason string `json:"reason,omitempty"`
}

func doneOutcome() Outcome { return Outcome{Result: ResultDone} }

func cancelledOutcome() Outcome { return Outcome{Result: ResultCancelled} }

func errorOutcome(err error) Outcome {
	return Outcome{Result: ResultNetworkError, Reason: err.Error()}
}

// Target is the consumer sink for one fetch. Calls arrive in order:
// ProcessRequestBody (when the request carries one), ProcessResponse,
// zero or more ProcessResponseChunk, ProcessResponseEOF. All calls for
// one fetch come from a single goroutine.
type Target interface {
	ProcessRequestBody(body []byte)
	ProcessResponse(resp *Response)
	ProcessResponseChunk(chunk []byte)
	ProcessResponseEOF(outcome Outcome)
}

// EventKind tags one entry in a ChannelTarget stream.
type EventKind string

const (
	EventRequestBody EventKind = "request_body"
	EventResponse    EventKind = "response"
	EventChunk       EventKind = "chunk"
	EventEOF         EventKind = "eof"
)

// Event is one sink callback forwarded over a channel.
type Event struct {
	Kind     EventKind `json:"kind"`
	Body     []byte    `json:"body,omitempty"`
	Response *Response `json:"response,omitempty"`
	Chunk    []byte    `json:"chunk,omitempty"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
}

// ChannelTarget forwards sink callbacks to a channel. Sends block: the
// channel's consumer paces the fetch.
type ChannelTarget struct {
	ch chan<- Event
}

func NewChannelTarget(ch chan<- Event) *ChannelTarget {
	return &ChannelTarget{ch: ch}
}

func (t *ChannelTarget) ProcessRequestBody(body []byte) {
	t.ch <- Event{Kind: EventRequestBody, Body: body}
}

func (t *ChannelTarget) ProcessResponse(resp *Response) {
	t.ch <- Event{Kind: EventResponse, Response: resp}
}

func (t *ChannelTarget) ProcessResponseChunk(chunk []byte) {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	t.ch <- Event{Kind: EventChunk, Chunk: out}
}

func (t *ChannelTarget) ProcessResponseEOF(outcome Outcome) {
	t.ch <- Event{Kind: EventEOF, Outcome: &outcome}
}

// DiscardTarget drops everything. Used for prefetches and tests.
type DiscardTarget struct{}

func (DiscardTarget) ProcessRequestBody([]byte)   {}
func (DiscardTarget) ProcessResponse(*Response)   {}
func (DiscardTarget) ProcessResponseChunk([]byte) {}
func (DiscardTarget) ProcessResponseEOF(Outcome)  {}
