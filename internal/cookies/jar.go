package cookies

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/logging"
)

var (
	// ErrDomainMismatch rejects a cookie whose Domain attribute does
	// not cover the request host.
	ErrDomainMismatch = errors.New("cookies: domain does not match request host")

	// ErrPublicSuffixDomain rejects a cookie scoped to a public suffix.
	ErrPublicSuffixDomain = errors.New("cookies: domain is a public suffix")

	// ErrSecureSchemeRequired rejects a Secure cookie set from an
	// insecure origin.
	ErrSecureSchemeRequired = errors.New("cookies: secure cookie requires a secure origin")

	// ErrHTTPOnlyFromScript rejects script writes touching HttpOnly
	// cookies.
	ErrHTTPOnlyFromScript = errors.New("cookies: http-only cookie not settable from script")

	// ErrMalformedCookie rejects a cookie with no name.
	ErrMalformedCookie = errors.New("cookies: malformed cookie")
)

// Jar is a bounded per-profile cookie store. All methods are safe for
// concurrent use. Expired cookies are pruned lazily during queries, so
// they are never returned even if no sweep has run.
type Jar struct {
	perDomainLimit int
	totalLimit     int
	log            *logging.Logger

	// OnEvict, when set, observes bound-driven evictions.
	OnEvict func()

	mu       sync.Mutex
	byDomain map[string][]*Cookie // keyed by registrable domain
	total    int

	now func() time.Time
}

// NewJar creates a jar with the given per-domain and total bounds.
// Non-positive bounds fall back to the conventional 150/3000.
func NewJar(perDomainLimit, totalLimit int, log *logging.Logger) *Jar {
	if perDomainLimit <= 0 {
		perDomainLimit = 150
	}
	if totalLimit <= 0 {
		totalLimit = 3000
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Jar{
		perDomainLimit: perDomainLimit,
		totalLimit:     totalLimit,
		log:            log,
		byDomain:       make(map[string][]*Cookie),
		now:            time.Now,
	}
}

// Push validates a parsed Set-Cookie against the request URL and
// stores it. A cookie with the same (domain, path, name) is replaced
// atomically, keeping the original creation time. An expired cookie is
// a deletion. Returns the stored cookie, or nil for deletions.
func (j *Jar) Push(hc *http.Cookie, reqURL *url.URL, source Source) (*Cookie, error) {
	if hc.Name == "" {
		return nil, ErrMalformedCookie
	}
	host := canonicalHost(reqURL)
	now := j.now()

	c := &Cookie{
		Name:         hc.Name,
		Value:        hc.Value,
		Secure:       hc.Secure,
		HTTPOnly:     hc.HttpOnly,
		Expires:      computeExpiry(hc, now),
		CreationTime: now,
		LastAccess:   now,
	}

	if c.Secure && !isSecureScheme(reqURL) {
		return nil, ErrSecureSchemeRequired
	}
	if c.HTTPOnly && source == SourceScript {
		return nil, ErrHTTPOnlyFromScript
	}

	domain := strings.ToLower(strings.TrimPrefix(hc.Domain, "."))
	switch {
	case domain == "" || domain == host:
		// Host-only when the attribute is absent. An explicit
		// attribute equal to the host keeps domain scope unless
		// the host is itself a public suffix.
		c.Domain = host
		c.HostOnly = domain == "" || isPublicSuffix(host)
	default:
		if isPublicSuffix(domain) {
			return nil, ErrPublicSuffixDomain
		}
		if !domainMatch(host, domain) {
			return nil, ErrDomainMismatch
		}
		c.Domain = domain
	}

	if hc.Path == "" || !strings.HasPrefix(hc.Path, "/") {
		c.Path = defaultPath(reqURL)
	} else {
		c.Path = hc.Path
	}

	group := registrableDomain(c.Domain)

	j.mu.Lock()
	defer j.mu.Unlock()

	// Script writes may not shadow an existing HttpOnly cookie.
	if source == SourceScript {
		if old := j.findLocked(group, c.Domain, c.Path, c.Name); old != nil && old.HTTPOnly {
			return nil, ErrHTTPOnlyFromScript
		}
	}

	if c.expired(now) {
		j.removeLocked(group, c.Domain, c.Path, c.Name)
		return nil, nil
	}

	if old := j.findLocked(group, c.Domain, c.Path, c.Name); old != nil {
		c.CreationTime = old.CreationTime
		j.removeLocked(group, c.Domain, c.Path, c.Name)
	}

	j.byDomain[group] = append(j.byDomain[group], c)
	j.total++
	j.enforceBoundsLocked(group)

	return c, nil
}

// CookiesForURL returns the cookies applicable to the URL, pruning
// expired entries on the way. Ordering is longest path first, then
// earliest creation, matching conventional Cookie header order.
func (j *Jar) CookiesForURL(u *url.URL, source Source) []*Cookie {
	host := canonicalHost(u)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	secure := isSecureScheme(u)
	now := j.now()

	group := registrableDomain(host)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.pruneExpiredLocked(group, now)

	var matched []*Cookie
	for _, c := range j.byDomain[group] {
		if c.HostOnly {
			if host != c.Domain {
				continue
			}
		} else if !domainMatch(host, c.Domain) {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		if c.Secure && !secure {
			continue
		}
		if c.HTTPOnly && source == SourceScript {
			continue
		}
		c.LastAccess = now
		matched = append(matched, c)
	}

	sort.SliceStable(matched, func(a, b int) bool {
		if len(matched[a].Path) != len(matched[b].Path) {
			return len(matched[a].Path) > len(matched[b].Path)
		}
		return matched[a].CreationTime.Before(matched[b].CreationTime)
	})

	out := make([]*Cookie, len(matched))
	for i, c := range matched {
		clone := *c
		out[i] = &clone
	}
	return out
}

// CookieHeaderForURL renders the applicable cookies as a Cookie header
// value. Empty when no cookie applies.
func (j *Jar) CookieHeaderForURL(u *url.URL, source Source) string {
	cookies := j.CookiesForURL(u, source)
	pairs := make([]string, len(cookies))
	for i, c := range cookies {
		pairs[i] = c.Pair()
	}
	return strings.Join(pairs, "; ")
}

// DeleteCookieWithName removes the named cookie that would be sent to
// this URL. Reports whether anything was removed.
func (j *Jar) DeleteCookieWithName(u *url.URL, name string) bool {
	host := canonicalHost(u)
	group := registrableDomain(host)

	j.mu.Lock()
	defer j.mu.Unlock()

	removed := false
	kept := j.byDomain[group][:0]
	for _, c := range j.byDomain[group] {
		match := c.Name == name
		if match && c.HostOnly {
			match = host == c.Domain
		} else if match {
			match = domainMatch(host, c.Domain)
		}
		if match {
			j.total--
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	j.setGroupLocked(group, kept)
	return removed
}

// ClearStorage removes all cookies, or only those visible to hostFilter
// when non-empty.
func (j *Jar) ClearStorage(hostFilter string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if hostFilter == "" {
		j.byDomain = make(map[string][]*Cookie)
		j.total = 0
		return
	}

	host := strings.ToLower(hostFilter)
	group := registrableDomain(host)
	kept := j.byDomain[group][:0]
	for _, c := range j.byDomain[group] {
		if domainMatch(host, c.Domain) || domainMatch(c.Domain, host) {
			j.total--
			continue
		}
		kept = append(kept, c)
	}
	j.setGroupLocked(group, kept)
}

// Len reports the number of stored cookies, including any expired ones
// not yet pruned.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}

// Snapshot returns the persistable cookies. Session cookies are
// omitted: they die with the process.
func (j *Jar) Snapshot() []*Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	var out []*Cookie
	for _, group := range j.byDomain {
		for _, c := range group {
			if c.Expires.IsZero() || c.expired(now) {
				continue
			}
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		return out[a].CreationTime.Before(out[b].CreationTime)
	})
	return out
}

// Restore loads persisted cookies, dropping any that expired while the
// process was down.
func (j *Jar) Restore(cookies []*Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	for _, c := range cookies {
		if c == nil || c.Name == "" || c.Domain == "" || c.expired(now) {
			continue
		}
		clone := *c
		group := registrableDomain(clone.Domain)
		j.byDomain[group] = append(j.byDomain[group], &clone)
		j.total++
		j.enforceBoundsLocked(group)
	}
}

// findLocked returns the cookie with this exact (domain, path, name).
func (j *Jar) findLocked(group, domain, path, name string) *Cookie {
	for _, c := range j.byDomain[group] {
		if c.Domain == domain && c.Path == path && c.Name == name {
			return c
		}
	}
	return nil
}

func (j *Jar) removeLocked(group, domain, path, name string) {
	kept := j.byDomain[group][:0]
	for _, c := range j.byDomain[group] {
		if c.Domain == domain && c.Path == path && c.Name == name {
			j.total--
			continue
		}
		kept = append(kept, c)
	}
	j.setGroupLocked(group, kept)
}

func (j *Jar) pruneExpiredLocked(group string, now time.Time) {
	kept := j.byDomain[group][:0]
	for _, c := range j.byDomain[group] {
		if c.expired(now) {
			j.total--
			continue
		}
		kept = append(kept, c)
	}
	j.setGroupLocked(group, kept)
}

func (j *Jar) setGroupLocked(group string, cookies []*Cookie) {
	if len(cookies) == 0 {
		delete(j.byDomain, group)
		return
	}
	j.byDomain[group] = cookies
}

// enforceBoundsLocked applies the per-domain cap to the given group,
// then the total cap across all groups, evicting oldest first.
func (j *Jar) enforceBoundsLocked(group string) {
	for len(j.byDomain[group]) > j.perDomainLimit {
		j.evictOldestLocked(group)
	}

	for j.total > j.totalLimit {
		oldestGroup := ""
		var oldest time.Time
		for g, cookies := range j.byDomain {
			for _, c := range cookies {
				if oldestGroup == "" || c.CreationTime.Before(oldest) {
					oldestGroup = g
					oldest = c.CreationTime
				}
			}
		}
		if oldestGroup == "" {
			return
		}
		j.evictOldestLocked(oldestGroup)
	}
}

func (j *Jar) evictOldestLocked(group string) {
	cookies := j.byDomain[group]
	if len(cookies) == 0 {
		return
	}
	oldest := 0
	for i, c := range cookies {
		if c.CreationTime.Before(cookies[oldest].CreationTime) {
			oldest = i
		}
	}
	victim := cookies[oldest]
	j.byDomain[group] = append(cookies[:oldest], cookies[oldest+1:]...)
	j.total--
	if len(j.byDomain[group]) == 0 {
		delete(j.byDomain, group)
	}
	if j.OnEvict != nil {
		j.OnEvict()
	}
	j.log.Debug("cookie evicted by bound",
		zap.String("domain", victim.Domain),
		zap.String("name", victim.Name),
	)
}
