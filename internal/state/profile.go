package state

import (
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/cache"
	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/cookies"
	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
)

// Profile is the shared state of one browsing profile: cookie jar,
// HTTP cache, HSTS list, auth cache, history states and cookie
// listeners. Each table synchronizes independently, so a cookie write
// never blocks a cache read. Two profiles exist per process (public
// and private); they share nothing.
type Profile struct {
	Name string

	Jar       *cookies.Jar
	Cache     *cache.Store
	HSTS      *HstsList
	Auth      *AuthCache
	History   *HistoryStates
	Listeners *ListenerHub

	dir     string
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// Usage summarizes a profile's memory-resident state.
type Usage struct {
	Profile       string `json:"profile"`
	CacheBytes    int64  `json:"cache_bytes"`
	CacheEntries  int    `json:"cache_entries"`
	Cookies       int    `json:"cookies"`
	HstsEntries   int    `json:"hsts_entries"`
	HistoryStates int    `json:"history_states"`
}

// New builds a profile and loads any state persisted under dir. An
// empty dir means memory-only: nothing is loaded or flushed.
func New(name, dir string, cfg *config.Config, log *logging.Logger, m *monitoring.Metrics) *Profile {
	if log == nil {
		log = logging.NewNop()
	}
	plog := log.Named("state").With(zap.String("profile", name))

	p := &Profile{
		Name:      name,
		Jar:       cookies.NewJar(cfg.Cookies.PerDomainLimit, cfg.Cookies.TotalLimit, plog),
		Cache:     cache.NewStore(int64(cfg.Cache.CapacityMB)*1024*1024, plog),
		HSTS:      NewHstsList(),
		Auth:      NewAuthCache(),
		History:   NewHistoryStates(),
		Listeners: NewListenerHub(),
		dir:       dir,
		log:       plog,
		metrics:   m,
	}

	if m != nil {
		p.Cache.OnEvict = func(reason string) {
			m.RecordCacheEviction(name, reason)
		}
		p.Jar.OnEvict = func() {
			m.RecordCookieEviction(name)
		}
	}

	p.load()
	return p
}

// SetCookie validates and stores a cookie for the URL, then notifies
// listeners. A deletion (expired cookie) is broadcast as removed.
func (p *Profile) SetCookie(hc *http.Cookie, u *url.URL, source cookies.Source) (*cookies.Cookie, error) {
	stored, err := p.Jar.Push(hc, u, source)
	if err != nil {
		return nil, err
	}

	change := CookieChange{Host: u.Hostname()}
	if stored != nil {
		clone := *stored
		change.Cookie = &clone
	} else {
		change.Cookie = &cookies.Cookie{Name: hc.Name}
		change.Removed = true
	}
	p.Listeners.Broadcast(change)

	if p.metrics != nil {
		p.metrics.SetCookiesStored(p.Name, p.Jar.Len())
	}
	return stored, nil
}

// ClearCache drops every cached response. Active readers keep their
// handles.
func (p *Profile) ClearCache() {
	p.Cache.Clear()
	p.reportCacheUsage()
}

// Usage reports the profile's current footprint and refreshes the
// prometheus gauges.
func (p *Profile) Usage() Usage {
	bytes, entries := p.Cache.Usage()
	u := Usage{
		Profile:       p.Name,
		CacheBytes:    bytes,
		CacheEntries:  entries,
		Cookies:       p.Jar.Len(),
		HstsEntries:   p.HSTS.Len(),
		HistoryStates: p.History.Len(),
	}
	if p.metrics != nil {
		p.metrics.SetCacheUsage(p.Name, bytes, entries)
		p.metrics.SetCookiesStored(p.Name, u.Cookies)
	}
	return u
}

func (p *Profile) reportCacheUsage() {
	if p.metrics == nil {
		return
	}
	bytes, entries := p.Cache.Usage()
	p.metrics.SetCacheUsage(p.Name, bytes, entries)
}

// load restores persisted state from the profile directory. Missing
// files are the normal first run; corrupt or mismatched files are
// logged and skipped so one bad document never blocks startup.
func (p *Profile) load() {
	if p.dir == "" {
		return
	}

	var auth authCacheDoc
	switch err := readJSONFile(p.dir, authCacheFile, &auth); {
	case err == nil:
		if auth.Version != AuthCacheVersion {
			p.log.Warn("discarding auth cache with unknown version",
				zap.Int("version", auth.Version))
			break
		}
		p.Auth.Restore(auth.Entries)
	case errors.Is(err, errNoFile):
	default:
		p.log.Warn("failed to load auth cache", zap.Error(err))
	}

	var hsts hstsListDoc
	switch err := readJSONFile(p.dir, hstsListFile, &hsts); {
	case err == nil:
		p.HSTS.Restore(hsts.Entries)
	case errors.Is(err, errNoFile):
	default:
		p.log.Warn("failed to load hsts list", zap.Error(err))
	}

	var jar cookieJarDoc
	switch err := readJSONFile(p.dir, cookieJarFile, &jar); {
	case err == nil:
		p.Jar.Restore(jar.Cookies)
	case errors.Is(err, errNoFile):
	default:
		p.log.Warn("failed to load cookie jar", zap.Error(err))
	}

	p.log.Info("profile state loaded",
		zap.Int("cookies", p.Jar.Len()),
		zap.Int("hsts_entries", p.HSTS.Len()),
		zap.Int("auth_entries", p.Auth.Len()),
	)
}

// Flush writes the persistable tables to the profile directory. Write
// failures are logged and skipped: shutdown must not hang on a bad
// disk. A profile without a directory flushes nothing.
func (p *Profile) Flush() {
	if p.dir == "" {
		return
	}

	docs := []struct {
		name string
		doc  interface{}
	}{
		{authCacheFile, authCacheDoc{Version: AuthCacheVersion, Entries: p.Auth.Snapshot()}},
		{hstsListFile, hstsListDoc{Version: 1, Entries: p.HSTS.Snapshot()}},
		{cookieJarFile, cookieJarDoc{Version: 1, Cookies: p.Jar.Snapshot()}},
	}
	for _, d := range docs {
		if err := writeJSONFile(p.dir, d.name, d.doc); err != nil {
			p.log.Error("failed to flush profile state", zap.String("file", d.name), zap.Error(err))
		}
	}
	p.log.Info("profile state flushed", zap.String("dir", p.dir))
}

// Close tears the profile down: flush to disk, then drop listeners.
func (p *Profile) Close() {
	p.Flush()
	p.Listeners.Close()
}
