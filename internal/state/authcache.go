package state

import (
	"net/url"
	"sync"
)

// AuthCacheVersion stamps the persisted document. A mismatch on load
// discards the file rather than guessing at an old layout.
const AuthCacheVersion = 1

// Credentials is one stored username/password pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthCache remembers credentials per origin so navigations within a
// realm do not re-prompt. Keys are serialized origins
// (scheme://host[:port], default ports elided).
type AuthCache struct {
	mu      sync.RWMutex
	entries map[string]Credentials
}

func NewAuthCache() *AuthCache {
	return &AuthCache{entries: make(map[string]Credentials)}
}

// Store records credentials for the URL's origin.
func (a *AuthCache) Store(u *url.URL, creds Credentials) {
	key := originKey(u)
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[key] = creds
}

// Lookup returns the credentials for the URL's origin.
func (a *AuthCache) Lookup(u *url.URL) (Credentials, bool) {
	key := originKey(u)
	if key == "" {
		return Credentials{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	creds, ok := a.entries[key]
	return creds, ok
}

// Remove drops the credentials for the URL's origin, if any.
func (a *AuthCache) Remove(u *url.URL) {
	key := originKey(u)
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, key)
}

func (a *AuthCache) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Snapshot returns the entries for persistence.
func (a *AuthCache) Snapshot() map[string]Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Credentials, len(a.entries))
	for k, v := range a.entries {
		out[k] = v
	}
	return out
}

// Restore loads persisted entries.
func (a *AuthCache) Restore(entries map[string]Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range entries {
		if k == "" {
			continue
		}
		a.entries[k] = v
	}
}

// originKey serializes a URL's origin with default ports elided.
func originKey(u *url.URL) string {
	if u == nil || u.Scheme == "" || u.Hostname() == "" {
		return ""
	}
	host := u.Hostname()
	if port := u.Port(); port != "" {
		switch {
		case u.Scheme == "http" && port == "80":
		case u.Scheme == "https" && port == "443":
		default:
			host += ":" + port
		}
	}
	return u.Scheme + "://" + host
}
