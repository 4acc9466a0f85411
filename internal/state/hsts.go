package state

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HstsEntry records one known-HSTS host.
type HstsEntry struct {
	IncludeSubdomains bool      `json:"include_subdomains"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func (e HstsEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// HstsList tracks hosts that must be reached over TLS. Entries are
// learned from Strict-Transport-Security headers on secure responses
// and expire after their max-age. Reads are lock-shared; expired
// entries are pruned lazily on lookup.
type HstsList struct {
	mu      sync.RWMutex
	entries map[string]HstsEntry

	now func() time.Time
}

func NewHstsList() *HstsList {
	return &HstsList{
		entries: make(map[string]HstsEntry),
		now:     time.Now,
	}
}

// ObserveResponse applies the Strict-Transport-Security header of a
// response, if any. Only secure origins may register; IP literals are
// ignored. A max-age of zero removes the host.
func (l *HstsList) ObserveResponse(u *url.URL, headers http.Header) {
	if u.Scheme != "https" && u.Scheme != "wss" {
		return
	}
	raw := headers.Get("Strict-Transport-Security")
	if raw == "" {
		return
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return
	}

	maxAge, includeSub, ok := parseSTSHeader(raw)
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if maxAge == 0 {
		delete(l.entries, host)
		return
	}
	l.entries[host] = HstsEntry{
		IncludeSubdomains: includeSub,
		ExpiresAt:         l.now().Add(time.Duration(maxAge) * time.Second),
	}
}

// ShouldUpgrade reports whether requests to host must use TLS, either
// through a direct entry or an includeSubdomains parent.
func (l *HstsList) ShouldUpgrade(host string) bool {
	host = strings.ToLower(host)
	if host == "" || net.ParseIP(host) != nil {
		return false
	}
	now := l.now()

	l.mu.RLock()
	entry, direct := l.entries[host]
	l.mu.RUnlock()
	if direct {
		if !entry.expired(now) {
			return true
		}
		l.mu.Lock()
		if e, ok := l.entries[host]; ok && e.expired(now) {
			delete(l.entries, host)
		}
		l.mu.Unlock()
	}

	// Walk parent domains for includeSubdomains coverage.
	for i := strings.Index(host, "."); i > 0; i = strings.Index(host, ".") {
		host = host[i+1:]
		l.mu.RLock()
		entry, ok := l.entries[host]
		l.mu.RUnlock()
		if ok && entry.IncludeSubdomains && !entry.expired(now) {
			return true
		}
	}
	return false
}

// UpgradeURL rewrites an insecure URL in place when its host is known
// HSTS. An explicit port 80 maps to the TLS default; any other port is
// preserved. Reports whether the URL changed.
func (l *HstsList) UpgradeURL(u *url.URL) bool {
	var secure string
	switch u.Scheme {
	case "http":
		secure = "https"
	case "ws":
		secure = "wss"
	default:
		return false
	}
	if !l.ShouldUpgrade(u.Hostname()) {
		return false
	}
	u.Scheme = secure
	if u.Port() == "80" {
		u.Host = u.Hostname()
	}
	return true
}

// Len reports the number of entries, counting any not yet pruned.
func (l *HstsList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns the live entries for persistence.
func (l *HstsList) Snapshot() map[string]HstsEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	out := make(map[string]HstsEntry, len(l.entries))
	for host, e := range l.entries {
		if e.expired(now) {
			continue
		}
		out[host] = e
	}
	return out
}

// Restore loads persisted entries, dropping any that expired while the
// process was down.
func (l *HstsList) Restore(entries map[string]HstsEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for host, e := range entries {
		if host == "" || e.expired(now) {
			continue
		}
		l.entries[strings.ToLower(host)] = e
	}
}

// parseSTSHeader extracts max-age and includeSubdomains from a
// Strict-Transport-Security value. Reports ok=false when the required
// max-age directive is missing or unparsable.
func parseSTSHeader(raw string) (maxAge int64, includeSub, ok bool) {
	sawMaxAge := false
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch name {
		case "max-age":
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil || secs < 0 {
				return 0, false, false
			}
			maxAge = secs
			sawMaxAge = true
		case "includesubdomains":
			includeSub = true
		}
	}
	return maxAge, includeSub, sawMaxAge
}
