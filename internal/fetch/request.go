package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/emberweb/resourced/internal/shared/id"
)

// Mode mirrors the request's CORS posture.
type Mode string

const (
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
)

// CredentialsMode controls cookie and Authorization attachment.
type CredentialsMode string

const (
	CredentialsInclude    CredentialsMode = "include"
	CredentialsSameOrigin CredentialsMode = "same-origin"
	CredentialsOmit       CredentialsMode = "omit"
)

// Request describes one fetch as handed to the state machine. Headers
// holds caller-supplied extras; the machine adds User-Agent, Cookie,
// Accept-Encoding and conditional validators itself.
type Request struct {
	ID          id.RequestID    `json:"id"`
	URL         *url.URL        `json:"url"`
	Method      string          `json:"method"`
	Headers     http.Header     `json:"headers"`
	Body        []byte          `json:"body,omitempty"`
	Mode        Mode            `json:"mode"`
	Credentials CredentialsMode `json:"credentials"`
	Destination string          `json:"destination,omitempty"`
	Origin      *url.URL        `json:"origin,omitempty"`

	// RedirectCount seeds the hop counter; a redirect continuation
	// resumes with the hops it already spent.
	RedirectCount int `json:"redirect_count"`
}

// normalize fills defaults and validates the parts every scheme relies
// on.
func (r *Request) normalize() error {
	if r.URL == nil {
		return fmt.Errorf("fetch: request has no url")
	}
	if r.URL.Scheme == "" {
		return fmt.Errorf("fetch: url %q has no scheme", r.URL)
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	} else {
		r.Method = strings.ToUpper(r.Method)
	}
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	if r.Mode == "" {
		r.Mode = ModeNoCORS
	}
	if r.Credentials == "" {
		r.Credentials = CredentialsInclude
	}
	if r.ID == "" {
		r.ID = id.NewRequestID()
	}
	return nil
}

// sendsCredentials reports whether cookies and stored credentials
// attach to a request for targetURL.
func (r *Request) sendsCredentials(targetURL *url.URL) bool {
	switch r.Credentials {
	case CredentialsOmit:
		return false
	case CredentialsSameOrigin:
		return r.Origin == nil || sameOrigin(r.Origin, targetURL)
	default:
		return true
	}
}

// idempotent reports whether the method may be retried on
// connection-level failures.
func (r *Request) idempotent() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Hostname() == b.Hostname() && portOf(a) == portOf(b)
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}
