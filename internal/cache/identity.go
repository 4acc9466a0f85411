package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// Identity is the normalized request identity used as the cache key:
// scheme, method, normalized URL and the header subset that selects a
// stored response variant. Immutable once a fetch begins.
type Identity struct {
	Scheme         string
	Method         string
	URL            string
	Range          string
	AcceptEncoding string
}

// NewIdentity builds the identity for a request. The URL is normalized
// so equivalent spellings of one resource share a cache slot.
func NewIdentity(method string, u *url.URL, headers http.Header) Identity {
	return Identity{
		Scheme:         strings.ToLower(u.Scheme),
		Method:         strings.ToUpper(method),
		URL:            NormalizeURL(u),
		Range:          headers.Get("Range"),
		AcceptEncoding: headers.Get("Accept-Encoding"),
	}
}

// Key returns the map key for this identity: a SHA-256 over the
// "|"-joined fields. Field order is fixed so distinct fields never
// collide.
func (id Identity) Key() string {
	joined := strings.Join([]string{
		id.Scheme,
		id.Method,
		id.URL,
		id.Range,
		id.AcceptEncoding,
	}, "|")

	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL renders a URL in canonical form: fragment stripped,
// host lowercased, default port dropped, empty path spelled "/".
func NormalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Host = strings.ToLower(c.Host)

	if port := c.Port(); port != "" {
		if (c.Scheme == "http" && port == "80") || (c.Scheme == "https" && port == "443") {
			c.Host = c.Hostname()
		}
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}
