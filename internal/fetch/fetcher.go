package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/emberweb/resourced/internal/cache"
	"github.com/emberweb/resourced/internal/cancel"
	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/cookies"
	"github.com/emberweb/resourced/internal/filemgr"
	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
	"github.com/emberweb/resourced/internal/state"
)

const (
	// chunkSize is the unit bodies are delivered to consumers in.
	chunkSize = 32 * 1024

	// redirectDrainLimit bounds how much of a redirect body is read
	// so the connection can be reused.
	redirectDrainLimit = 4 * 1024
)

// Fetcher drives requests through the resource pipeline for one
// profile: scheme dispatch, HSTS rewrites, cookie and credential
// attachment, the HTTP cache, redirects and body delivery. Concurrent
// identical loads coalesce onto one network fetch; every other
// consumer streams from the cache entry it feeds.
type Fetcher struct {
	cfg     *config.Config
	client  *Client
	profile *state.Profile
	files   *filemgr.Manager
	schemes *SchemeRegistry
	metrics *monitoring.Metrics
	log     *logging.Logger

	flights singleflight.Group
}

// NewFetcher builds the fetch machine for one profile.
func NewFetcher(cfg *config.Config, client *Client, profile *state.Profile, files *filemgr.Manager, schemes *SchemeRegistry, log *logging.Logger, m *monitoring.Metrics) *Fetcher {
	if log == nil {
		log = logging.NewNop()
	}
	if schemes == nil {
		schemes = NewSchemeRegistry()
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		profile: profile,
		files:   files,
		schemes: schemes,
		metrics: m,
		log:     log.Named("fetch").With(zap.String("profile", profile.Name)),
	}
}

// Fetch runs one request to completion, delivering events to target in
// order. ProcessResponseEOF is called exactly once, whatever happens;
// cancellation through the token surfaces as a cancelled outcome, not
// an error.
func (f *Fetcher) Fetch(ctx context.Context, req *Request, token *cancel.Token, target Target) {
	start := time.Now()
	if token == nil {
		token = cancel.NewToken()
	}
	if target == nil {
		target = DiscardTarget{}
	}

	// Bridge the token into the context so blocked network I/O
	// unwinds promptly on cancellation.
	ctx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()
	go func() {
		select {
		case <-token.Done():
			cancelCtx()
		case <-ctx.Done():
		}
	}()

	if f.metrics != nil {
		f.metrics.FetchStarted()
		defer f.metrics.FetchFinished()
	}

	scheme := ""
	if req.URL != nil {
		scheme = strings.ToLower(req.URL.Scheme)
	}

	written, err := f.run(ctx, req, token, target)

	outcome := doneOutcome()
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		outcome = cancelledOutcome()
	default:
		outcome = errorOutcome(err)
	}
	target.ProcessResponseEOF(outcome)

	if f.metrics != nil {
		label := "done"
		switch outcome.Result {
		case ResultCancelled:
			label = "cancelled"
		case ResultNetworkError:
			label = "error"
		}
		f.metrics.RecordFetch(f.profile.Name, scheme, label, time.Since(start), written)
	}
	f.log.Debug("fetch finished",
		zap.String("id", req.ID.String()),
		zap.String("outcome", string(outcome.Result)),
		zap.String("reason", outcome.Reason),
		zap.Int64("bytes", written),
		zap.Duration("duration", time.Since(start)),
	)
}

// run drives the request across redirect hops to a terminal state and
// reports the bytes delivered to the consumer.
func (f *Fetcher) run(ctx context.Context, req *Request, token *cancel.Token, target Target) (int64, error) {
	cur := new(Request)
	*cur = *req
	if err := cur.normalize(); err != nil {
		return 0, err
	}
	req.ID = cur.ID

	if len(cur.Body) > 0 {
		target.ProcessRequestBody(cur.Body)
	}

	maxRedirects := f.cfg.Fetch.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 20
	}

	var total int64
	for hops := cur.RedirectCount; ; hops++ {
		if token.Cancelled() {
			return total, ErrCancelled
		}
		if hops > maxRedirects {
			return total, ErrTooManyRedirects
		}

		next, written, err := f.dispatch(ctx, cur, token, target)
		total += written
		if err != nil || next == nil {
			return total, err
		}

		if f.metrics != nil {
			f.metrics.RecordRedirect()
		}
		f.log.Debug("following redirect",
			zap.String("id", cur.ID.String()),
			zap.Stringer("to", next.URL),
			zap.Int("hop", hops+1),
		)
		cur = next
	}
}

// dispatch routes one hop by scheme. A non-nil next request means an
// http redirect to follow; every other scheme is single-hop.
func (f *Fetcher) dispatch(ctx context.Context, req *Request, token *cancel.Token, target Target) (*Request, int64, error) {
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, req, token, target)
	case "data":
		written, err := f.fetchData(req, token, target)
		return nil, written, err
	case "file":
		written, err := f.fetchFile(ctx, req, token, target)
		return nil, written, err
	case "blob":
		written, err := f.fetchBlob(ctx, req, token, target)
		return nil, written, err
	default:
		if handler, ok := f.schemes.Lookup(req.URL.Scheme); ok {
			written, err := f.fetchCustom(ctx, handler, req, token, target)
			return nil, written, err
		}
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.URL.Scheme)
	}
}

// fetchHTTP serves one http hop: HSTS upgrade, cache lookup, then
// either a cached body, a revalidation, or a network fetch. Cached
// redirects are followed without touching the network.
func (f *Fetcher) fetchHTTP(ctx context.Context, req *Request, token *cancel.Token, target Target) (*Request, int64, error) {
	if req.URL.Scheme == "http" {
		u := *req.URL
		if f.profile.HSTS.UpgradeURL(&u) {
			f.log.Debug("upgraded to https", zap.String("host", u.Hostname()))
			req.URL = &u
		}
	}

	identity := cache.NewIdentity(req.Method, req.URL, req.Headers)
	lookup := f.profile.Cache.Lookup(identity, req.Headers)

	switch lookup.State {
	case cache.Hit:
		f.recordLookup("hit")
		handle := lookup.Handle
		if st := handle.Status(); isRedirect(st) && handle.Headers().Get("Location") != "" {
			next, err := f.redirectRequest(req, st, handle.Headers())
			handle.Close()
			return next, 0, err
		}
		written, err := f.streamCacheHandle(req, token, target, handle)
		return nil, written, err

	case cache.Stale:
		return f.networkFetch(ctx, req, token, target, identity, lookup)
	}

	f.recordLookup("miss")
	if f.coalescable(req) {
		return f.coalescedFetch(ctx, req, token, target, identity)
	}
	return f.networkFetch(ctx, req, token, target, identity, cache.LookupResult{})
}

// coalescable reports whether concurrent identical requests may share
// one network fetch. Anything credential-bearing, range-limited or
// body-carrying fetches alone.
func (f *Fetcher) coalescable(req *Request) bool {
	return req.Method == http.MethodGet &&
		len(req.Body) == 0 &&
		req.URL.User == nil &&
		req.Headers.Get("Range") == "" &&
		req.Headers.Get("Authorization") == ""
}

type flightResult struct {
	next    *Request
	written int64
}

// coalescedFetch funnels identical cache misses through singleflight
// so only one of them opens a network fetch. The winner streams the
// response to its own consumer while feeding the cache; the others
// wait, then read the entry the winner created. Fetches arriving
// after the entry exists never get here: they hit in Lookup and
// stream directly.
func (f *Fetcher) coalescedFetch(ctx context.Context, req *Request, token *cancel.Token, target Target, identity cache.Identity) (*Request, int64, error) {
	// started is closed by this caller's closure if and only if it
	// was elected to run. The closure checks the token before any
	// target callback, so abandoning it pre-start is safe.
	started := make(chan struct{})
	ch := f.flights.DoChan(identity.Key(), func() (interface{}, error) {
		close(started)
		next, written, err := f.networkFetch(ctx, req, token, target, identity, cache.LookupResult{})
		return &flightResult{next: next, written: written}, err
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-token.Done():
		select {
		case <-started:
			// Our fetch is live and already talking to our target;
			// it aborts on the same token, so wait it out.
			res = <-ch
		default:
			return nil, 0, ErrCancelled
		}
	}

	select {
	case <-started:
		fr, _ := res.Val.(*flightResult)
		if fr == nil {
			fr = &flightResult{}
		}
		return fr.next, fr.written, res.Err
	default:
	}

	// Another fetch led. Whatever it produced worth sharing is in the
	// cache now; anything else we fetch for ourselves.
	lookup := f.profile.Cache.Lookup(identity, req.Headers)
	if lookup.State == cache.Hit {
		handle := lookup.Handle
		if st := handle.Status(); isRedirect(st) && handle.Headers().Get("Location") != "" {
			next, err := f.redirectRequest(req, st, handle.Headers())
			handle.Close()
			return next, 0, err
		}
		written, err := f.streamCacheHandle(req, token, target, handle)
		return nil, written, err
	}
	return f.networkFetch(ctx, req, token, target, identity, cache.LookupResult{})
}

// networkFetch performs one wire exchange: attach cookies and
// credentials, send, observe HSTS and Set-Cookie, then hand back a
// redirect or stream the body to the consumer, teeing cacheable
// responses into the store.
func (f *Fetcher) networkFetch(ctx context.Context, req *Request, token *cancel.Token, target Target, identity cache.Identity, stale cache.LookupResult) (*Request, int64, error) {
	if token.Cancelled() {
		return nil, 0, ErrCancelled
	}

	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Accept-Encoding") == "" {
		headers.Set("Accept-Encoding", acceptEncoding)
	}

	revalidating := stale.State == cache.Stale
	if revalidating {
		if stale.ETag != "" {
			headers.Set("If-None-Match", stale.ETag)
		}
		if stale.LastModified != "" {
			headers.Set("If-Modified-Since", stale.LastModified)
		}
	}

	sendCreds := req.sendsCredentials(req.URL)
	if sendCreds {
		if headers.Get("Cookie") == "" {
			if ck := f.profile.Jar.CookieHeaderForURL(req.URL, cookies.SourceHTTP); ck != "" {
				headers.Set("Cookie", ck)
			}
		}
		f.attachAuthorization(req, headers)
	}

	// Userinfo never goes on the wire; it became an Authorization
	// header above when credentials apply.
	sendURL := req.URL
	if sendURL.User != nil {
		clean := *sendURL
		clean.User = nil
		sendURL = &clean
	}

	resp, err := f.client.Do(ctx, req.Method, sendURL, headers, req.Body, req.idempotent())
	if err != nil {
		if token.Cancelled() || errors.Is(err, context.Canceled) {
			return nil, 0, ErrCancelled
		}
		return nil, 0, classify(err)
	}

	status := resp.StatusCode()
	respHeaders := resp.Header()
	body := resp.RawBody()
	if body == nil {
		body = http.NoBody
	}

	// Security state updates apply on every hop, redirects included.
	f.profile.HSTS.ObserveResponse(req.URL, respHeaders)
	if sendCreds && resp.RawResponse != nil {
		f.storeCookies(req, resp.RawResponse)
	}

	if revalidating {
		if status == http.StatusNotModified {
			drainAndClose(body)
			outcome, handle := f.profile.Cache.Revalidate(identity, status, respHeaders)
			if outcome == cache.NotModified && handle != nil {
				f.recordLookup("revalidated")
				written, err := f.streamCacheHandle(req, token, target, handle)
				return nil, written, err
			}
			// The entry vanished under us; refetch unconditionally.
			f.recordLookup("miss")
			return f.networkFetch(ctx, req, token, target, identity, cache.LookupResult{})
		}
		// Anything but a 304 obsoletes the stored entry.
		f.profile.Cache.Revalidate(identity, status, respHeaders)
		f.recordLookup("miss")
	}

	if isRedirect(status) && respHeaders.Get("Location") != "" {
		next, rerr := f.redirectRequest(req, status, respHeaders)
		drainAndClose(body)
		if cache.CacheableResponse(req.Method, status, req.Headers, respHeaders) {
			w := f.profile.Cache.BeginWrite(identity, status, respHeaders, req.Headers)
			w.Finish(true)
		}
		if rerr != nil {
			return nil, 0, rerr
		}
		return next, 0, nil
	}

	if sendCreds {
		switch {
		case status == http.StatusUnauthorized:
			f.profile.Auth.Remove(req.URL)
		case status >= 200 && status < 300 && req.URL.User != nil:
			pass, _ := req.URL.User.Password()
			f.profile.Auth.Store(req.URL, state.Credentials{
				Username: req.URL.User.Username(),
				Password: pass,
			})
		}
	}

	// HEAD and bodiless statuses skip decoding: their content headers
	// describe a body that is not on this wire.
	noBody := req.Method == http.MethodHead ||
		status == http.StatusNoContent || status == http.StatusNotModified

	decoded := body
	cleanHeaders := respHeaders.Clone()
	if encoding := respHeaders.Get("Content-Encoding"); encoding != "" && !noBody {
		decoded, err = decodeBody(encoding, body)
		if err != nil {
			return nil, 0, netError("unsupported content encoding", err)
		}
		cleanHeaders.Del("Content-Encoding")
		cleanHeaders.Del("Content-Length")
	}

	var write *cache.WriteHandle
	if cache.CacheableResponse(req.Method, status, req.Headers, cleanHeaders) {
		write = f.profile.Cache.BeginWrite(identity, status, cleanHeaders, req.Headers)
	}

	target.ProcessResponse(&Response{
		URL:        req.URL,
		Status:     status,
		StatusText: http.StatusText(status),
		Headers:    cleanHeaders,
	})

	written, err := f.copyBody(decoded, token, target, write)
	return nil, written, err
}

// redirectRequest builds the continuation for a 3xx response: resolve
// Location, carry the fragment, rewrite the method where the status
// demands it and strip credentials across origins.
func (f *Fetcher) redirectRequest(req *Request, status int, respHeaders http.Header) (*Request, error) {
	location := respHeaders.Get("Location")
	if location == "" {
		return nil, nil
	}
	rel, err := url.Parse(location)
	if err != nil {
		return nil, netError("malformed redirect location", err)
	}
	dest := req.URL.ResolveReference(rel)

	switch strings.ToLower(dest.Scheme) {
	case "http", "https":
	default:
		return nil, netError("redirect to unsupported scheme "+dest.Scheme, ErrUnsupportedScheme)
	}

	// The original fragment survives unless the location sets its own.
	if dest.Fragment == "" && req.URL.Fragment != "" {
		dest.Fragment = req.URL.Fragment
	}

	next := new(Request)
	*next = *req
	next.URL = dest
	next.Headers = req.Headers.Clone()
	if next.Headers == nil {
		next.Headers = http.Header{}
	}

	// 303 rewrites everything but HEAD to GET; 301 and 302 rewrite
	// POST. The body and its descriptive headers drop with the method.
	rewrite := false
	switch status {
	case http.StatusSeeOther:
		rewrite = req.Method != http.MethodHead
	case http.StatusMovedPermanently, http.StatusFound:
		rewrite = req.Method == http.MethodPost
	}
	if rewrite {
		next.Method = http.MethodGet
		next.Body = nil
		for _, h := range []string{"Content-Type", "Content-Length", "Content-Encoding", "Content-Language", "Content-Location"} {
			next.Headers.Del(h)
		}
	}

	if !sameOrigin(req.URL, dest) {
		if req.Mode == ModeSameOrigin {
			return nil, ErrCrossOriginRedirect
		}
		next.Headers.Del("Authorization")
	}
	return next, nil
}

// streamCacheHandle serves a response from a cache entry, following
// the body while its network fetch is still appending.
func (f *Fetcher) streamCacheHandle(req *Request, token *cancel.Token, target Target, handle *cache.Handle) (int64, error) {
	defer handle.Close()

	if token.Cancelled() {
		return 0, ErrCancelled
	}

	reader := handle.NewReader()
	defer reader.Close()

	// A read blocked on a streaming body only unwinds when the reader
	// closes.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-token.Done():
			reader.Close()
		case <-watchDone:
		}
	}()

	target.ProcessResponse(&Response{
		URL:        req.URL,
		Status:     handle.Status(),
		StatusText: http.StatusText(handle.Status()),
		Headers:    handle.Headers(),
		FromCache:  true,
	})

	buf := make([]byte, chunkSize)
	var written int64
	for {
		if token.Cancelled() {
			return written, ErrCancelled
		}
		n, err := reader.Read(buf)
		if n > 0 {
			target.ProcessResponseChunk(buf[:n])
			written += int64(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return written, nil
		case errors.Is(err, cache.ErrReaderClosed):
			return written, ErrCancelled
		case errors.Is(err, cache.ErrBodyAborted):
			return written, netError("upstream fetch aborted", err)
		default:
			return written, netError("cache read failed", err)
		}
	}
}

// copyBody streams the network body to the consumer, teeing into the
// cache write when one is open. The write seals on EOF and is
// discarded on any failure so a partial body never becomes an entry.
func (f *Fetcher) copyBody(body io.ReadCloser, token *cancel.Token, target Target, write *cache.WriteHandle) (int64, error) {
	defer body.Close()

	finish := func(ok bool) {
		if write != nil {
			write.Finish(ok)
		}
	}

	buf := make([]byte, chunkSize)
	var written int64
	for {
		if token.Cancelled() {
			finish(false)
			return written, ErrCancelled
		}
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if write != nil {
				if werr := write.Append(chunk); werr != nil {
					f.log.Warn("cache append failed", zap.Error(werr))
					write = nil
				}
			}
			target.ProcessResponseChunk(chunk)
			written += int64(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			finish(true)
			return written, nil
		default:
			finish(false)
			if token.Cancelled() || errors.Is(err, context.Canceled) {
				return written, ErrCancelled
			}
			return written, netError("response body read failed", err)
		}
	}
}

// serveBytes delivers a fully materialized body in chunks, honoring
// cancellation between chunks.
func (f *Fetcher) serveBytes(req *Request, token *cancel.Token, target Target, status int, headers http.Header, body []byte) (int64, error) {
	if token.Cancelled() {
		return 0, ErrCancelled
	}
	target.ProcessResponse(&Response{
		URL:        req.URL,
		Status:     status,
		StatusText: http.StatusText(status),
		Headers:    headers,
	})

	var written int64
	for off := 0; off < len(body); off += chunkSize {
		if token.Cancelled() {
			return written, ErrCancelled
		}
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		target.ProcessResponseChunk(body[off:end])
		written += int64(end - off)
	}
	return written, nil
}

// storeCookies files response Set-Cookie headers into the jar.
// Rejections are routine (secure mismatch, foreign domain) and only
// logged.
func (f *Fetcher) storeCookies(req *Request, raw *http.Response) {
	for _, hc := range raw.Cookies() {
		if _, err := f.profile.SetCookie(hc, req.URL, cookies.SourceHTTP); err != nil {
			f.log.Debug("rejected response cookie",
				zap.String("name", hc.Name),
				zap.String("host", req.URL.Hostname()),
				zap.Error(err),
			)
		}
	}
}

// attachAuthorization adds basic credentials from the URL userinfo or
// the profile's auth cache. Explicit caller headers win.
func (f *Fetcher) attachAuthorization(req *Request, headers http.Header) {
	if headers.Get("Authorization") != "" {
		return
	}
	if user := req.URL.User; user != nil {
		pass, _ := user.Password()
		headers.Set("Authorization", basicAuth(user.Username(), pass))
		return
	}
	if creds, ok := f.profile.Auth.Lookup(req.URL); ok {
		headers.Set("Authorization", basicAuth(creds.Username, creds.Password))
	}
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func (f *Fetcher) recordLookup(result string) {
	if f.metrics != nil {
		f.metrics.RecordCacheLookup(f.profile.Name, result)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// drainAndClose reads a bounded amount of the body so the connection
// can be reused, then closes it.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, body, redirectDrainLimit)
	_ = body.Close()
}
