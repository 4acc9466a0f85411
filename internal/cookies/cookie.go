// Package cookies implements the per-profile cookie jar.
//
// Storage follows the RFC 6265 model: cookies are grouped by
// registrable domain, bounded per domain and in total, pruned lazily at
// query time, and ordered by path specificity then creation time when
// rendered into a Cookie header.
package cookies

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Source distinguishes cookie operations initiated by the network
// stack from those initiated by script. HttpOnly cookies are invisible
// to script sources.
type Source int

const (
	// SourceHTTP marks operations from response headers or the
	// network-facing control API.
	SourceHTTP Source = iota
	// SourceScript marks operations on behalf of document script.
	SourceScript
)

// Cookie is one stored cookie. Domain is canonical (lowercase, no
// leading dot); HostOnly records whether the Domain attribute was
// absent at set time.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	HostOnly bool   `json:"host_only"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"http_only"`

	// Expires is zero for session cookies.
	Expires      time.Time `json:"expires,omitempty"`
	CreationTime time.Time `json:"creation_time"`
	LastAccess   time.Time `json:"last_access"`
}

// expired reports whether the cookie is past its expiry. Session
// cookies never expire in process.
func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

// Pair renders the cookie as a name=value pair.
func (c *Cookie) Pair() string {
	return c.Name + "=" + c.Value
}

// canonicalHost lowercases a request host and strips any port.
func canonicalHost(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

// isSecureScheme reports whether the URL's scheme may carry Secure
// cookies.
func isSecureScheme(u *url.URL) bool {
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return true
	}
	return false
}

// domainMatch implements RFC 6265 section 5.1.3: the host equals the
// domain, or is a dot-separated subdomain of it. IP addresses only
// match exactly.
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if strings.HasPrefix(requestPath, cookiePath) {
		if strings.HasSuffix(cookiePath, "/") {
			return true
		}
		return len(requestPath) > len(cookiePath) && requestPath[len(cookiePath)] == '/'
	}
	return false
}

// defaultPath computes the cookie default path from the request URL
// per RFC 6265 section 5.1.4.
func defaultPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// registrableDomain groups a host under its eTLD+1 for the per-domain
// bound. Hosts the public suffix list cannot assign (IPs, single
// labels like localhost) group under themselves.
func registrableDomain(host string) string {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

// isPublicSuffix reports whether the host itself is a public suffix
// such as "com" or "co.uk". Cookies may never be scoped to one.
func isPublicSuffix(host string) bool {
	if net.ParseIP(host) != nil {
		return false
	}
	suffix, _ := publicsuffix.PublicSuffix(host)
	return suffix == host
}

// computeExpiry resolves the Max-Age/Expires attributes: Max-Age wins,
// negative Max-Age expires immediately, neither means session cookie.
func computeExpiry(hc *http.Cookie, now time.Time) time.Time {
	if hc.MaxAge > 0 {
		return now.Add(time.Duration(hc.MaxAge) * time.Second)
	}
	if hc.MaxAge < 0 {
		return now.Add(-time.Second)
	}
	return hc.Expires
}
