package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// heuristicCap bounds heuristic freshness for responses carrying no
// explicit lifetime.
const heuristicCap = 24 * time.Hour

// Directives holds parsed Cache-Control directives, keyed by lowercase
// directive name. Valueless directives map to "".
type Directives map[string]string

// ParseCacheControl parses every Cache-Control value in headers.
// Unknown directives are kept; malformed ones are skipped.
func ParseCacheControl(headers http.Header) Directives {
	d := make(Directives)
	for _, value := range headers.Values("Cache-Control") {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, arg, found := strings.Cut(part, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if found {
				arg = strings.Trim(strings.TrimSpace(arg), `"`)
			}
			d[name] = arg
		}
	}
	return d
}

// Has reports whether the directive is present.
func (d Directives) Has(name string) bool {
	_, ok := d[name]
	return ok
}

// MaxAge returns the max-age directive as a duration.
func (d Directives) MaxAge() (time.Duration, bool) {
	return d.deltaSeconds("max-age")
}

// NoStore reports the no-store directive.
func (d Directives) NoStore() bool { return d.Has("no-store") }

// NoCache reports the no-cache directive: the response may be stored
// but must be revalidated before reuse.
func (d Directives) NoCache() bool { return d.Has("no-cache") }

func (d Directives) deltaSeconds(name string) (time.Duration, bool) {
	arg, ok := d[name]
	if !ok || arg == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, nil
}

// FreshnessLifetime computes how long the response stays fresh, in
// priority order max-age, then Expires-Date, then a heuristic of 10%
// of the Date/Last-Modified distance. This is a private cache, so
// s-maxage is ignored.
func FreshnessLifetime(headers http.Header, responseTime time.Time) time.Duration {
	d := ParseCacheControl(headers)

	if maxAge, ok := d.MaxAge(); ok {
		return maxAge
	}

	date := dateOrDefault(headers, responseTime)
	if expires := headers.Get("Expires"); expires != "" {
		t, err := http.ParseTime(expires)
		if err != nil {
			// Invalid Expires means already expired
			return 0
		}
		lifetime := t.Sub(date)
		if lifetime < 0 {
			return 0
		}
		return lifetime
	}

	if lastModified := headers.Get("Last-Modified"); lastModified != "" {
		if t, err := http.ParseTime(lastModified); err == nil {
			lifetime := date.Sub(t) / 10
			if lifetime < 0 {
				return 0
			}
			if lifetime > heuristicCap {
				return heuristicCap
			}
			return lifetime
		}
	}

	return 0
}

// CurrentAge estimates the response age: the Age header plus resident
// time since the response was received.
func CurrentAge(headers http.Header, responseTime, now time.Time) time.Duration {
	var initial time.Duration
	if age := headers.Get("Age"); age != "" {
		if secs, err := strconv.ParseInt(age, 10, 64); err == nil && secs > 0 {
			initial = time.Duration(secs) * time.Second
		}
	}
	resident := now.Sub(responseTime)
	if resident < 0 {
		resident = 0
	}
	return initial + resident
}

// CacheableResponse reports whether a response may enter the cache.
// Only GET responses are stored. no-store on either side wins, Vary: *
// is never cacheable, and responses to credentialed requests need an
// explicit lifetime.
func CacheableResponse(method string, status int, reqHeaders, respHeaders http.Header) bool {
	if !strings.EqualFold(method, http.MethodGet) {
		return false
	}

	reqDirectives := ParseCacheControl(reqHeaders)
	respDirectives := ParseCacheControl(respHeaders)
	if reqDirectives.NoStore() || respDirectives.NoStore() {
		return false
	}

	for _, vary := range respHeaders.Values("Vary") {
		if strings.TrimSpace(vary) == "*" {
			return false
		}
	}

	if reqHeaders.Get("Authorization") != "" {
		_, hasMaxAge := respDirectives.MaxAge()
		if !respDirectives.Has("public") && !hasMaxAge {
			return false
		}
	}

	switch status {
	case http.StatusOK,
		http.StatusNonAuthoritativeInfo,
		http.StatusNoContent,
		http.StatusMultipleChoices,
		http.StatusMovedPermanently,
		http.StatusPermanentRedirect,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusGone,
		http.StatusRequestURITooLong,
		http.StatusNotImplemented:
		return true
	}

	// Other 2xx statuses qualify only with an explicit lifetime.
	if status >= 200 && status < 300 {
		_, hasMaxAge := respDirectives.MaxAge()
		return hasMaxAge || respHeaders.Get("Expires") != ""
	}
	return false
}

// Validators extracts the revalidation tokens from stored headers.
func Validators(headers http.Header) (etag, lastModified string) {
	return headers.Get("ETag"), headers.Get("Last-Modified")
}

func dateOrDefault(headers http.Header, fallback time.Time) time.Time {
	if date := headers.Get("Date"); date != "" {
		if t, err := http.ParseTime(date); err == nil {
			return t
		}
	}
	return fallback
}
