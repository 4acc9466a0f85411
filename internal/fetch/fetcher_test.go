package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberweb/resourced/internal/cancel"
	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/filemgr"
	"github.com/emberweb/resourced/internal/state"
	"github.com/emberweb/resourced/internal/workers"
)

// collector is a Target that records everything it is handed.
type collector struct {
	mu      sync.Mutex
	reqBody []byte
	resp    *Response
	body    bytes.Buffer
	chunks  int
	eofs    int
	outcome Outcome
}

func (c *collector) ProcessRequestBody(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqBody = append([]byte(nil), b...)
}

func (c *collector) ProcessResponse(r *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resp = r
}

func (c *collector) ProcessResponseChunk(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body.Write(b)
	c.chunks++
}

func (c *collector) ProcessResponseEOF(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = o
	c.eofs++
}

func (c *collector) Body() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body.String()
}

func (c *collector) Response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp
}

func (c *collector) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

type env struct {
	cfg     *config.Config
	profile *state.Profile
	files   *filemgr.Manager
	fetcher *Fetcher
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	pool := workers.NewPool(2, 16, nil, nil)
	t.Cleanup(func() { pool.Stop(time.Second) })

	profile := state.New("test", "", cfg, nil, nil)
	t.Cleanup(profile.Close)
	files := filemgr.NewManager(pool, nil)
	fetcher := NewFetcher(cfg, NewClient(cfg, nil, nil), profile, files, nil, nil, nil)

	return &env{cfg: cfg, profile: profile, files: files, fetcher: fetcher}
}

func (e *env) fetch(t *testing.T, req *Request) *collector {
	t.Helper()
	c := &collector{}
	e.fetcher.Fetch(context.Background(), req, cancel.NewToken(), c)
	require.Equal(t, 1, c.eofs, "EOF must be delivered exactly once")
	return c
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func getRequest(t *testing.T, raw string) *Request {
	t.Helper()
	return &Request{URL: mustURL(t, raw), Method: http.MethodGet}
}

func TestFetchSimpleGET(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Custom", "yes")
		_, _ = w.Write([]byte("hello resource"))
	}))
	defer srv.Close()

	c := e.fetch(t, getRequest(t, srv.URL+"/page"))

	require.Equal(t, ResultDone, c.Outcome().Result)
	resp := c.Response()
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "OK", resp.StatusText)
	assert.False(t, resp.FromCache)
	assert.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "yes", resp.Headers.Get("X-Custom"))
	assert.Equal(t, "hello resource", c.Body())
}

func TestFetchDeliversRequestBody(t *testing.T) {
	e := newTestEnv(t)
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := e.fetch(t, &Request{
		URL:    mustURL(t, srv.URL),
		Method: http.MethodPost,
		Body:   []byte("form=data"),
	})

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, []byte("form=data"), c.reqBody)
	assert.Equal(t, []byte("form=data"), got)
}

func TestFreshResponseServedFromCache(t *testing.T) {
	e := newTestEnv(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("cache me"))
	}))
	defer srv.Close()

	first := e.fetch(t, getRequest(t, srv.URL+"/asset"))
	require.Equal(t, ResultDone, first.Outcome().Result)
	assert.False(t, first.Response().FromCache)
	assert.Equal(t, "cache me", first.Body())

	second := e.fetch(t, getRequest(t, srv.URL+"/asset"))
	require.Equal(t, ResultDone, second.Outcome().Result)
	assert.True(t, second.Response().FromCache)
	assert.Equal(t, "cache me", second.Body())

	assert.Equal(t, int32(1), hits.Load(), "second fetch must not touch the network")
}

func TestNoStoreNeverCached(t *testing.T) {
	e := newTestEnv(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("private"))
	}))
	defer srv.Close()

	e.fetch(t, getRequest(t, srv.URL))
	second := e.fetch(t, getRequest(t, srv.URL))

	assert.False(t, second.Response().FromCache)
	assert.Equal(t, int32(2), hits.Load())

	_, entries := e.profile.Cache.Usage()
	assert.Zero(t, entries)
}

func TestRevalidationNotModified(t *testing.T) {
	e := newTestEnv(t)
	var hits atomic.Int32
	var gotValidator atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 1 {
			gotValidator.Store(r.Header.Get("If-None-Match"))
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("validated body"))
	}))
	defer srv.Close()

	first := e.fetch(t, getRequest(t, srv.URL+"/doc"))
	require.Equal(t, "validated body", first.Body())

	second := e.fetch(t, getRequest(t, srv.URL+"/doc"))
	require.Equal(t, ResultDone, second.Outcome().Result)
	assert.True(t, second.Response().FromCache)
	assert.Equal(t, "validated body", second.Body())
	assert.Equal(t, `"v1"`, gotValidator.Load())
	assert.Equal(t, int32(2), hits.Load())
}

func TestRevalidationReplacesChangedBody(t *testing.T) {
	e := newTestEnv(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("ETag", `"v`+string(rune('0'+n))+`"`)
		if n == 1 {
			_, _ = w.Write([]byte("old body"))
			return
		}
		_, _ = w.Write([]byte("new body"))
	}))
	defer srv.Close()

	first := e.fetch(t, getRequest(t, srv.URL))
	require.Equal(t, "old body", first.Body())

	second := e.fetch(t, getRequest(t, srv.URL))
	require.Equal(t, ResultDone, second.Outcome().Result)
	assert.False(t, second.Response().FromCache)
	assert.Equal(t, "new body", second.Body())

	third := e.fetch(t, getRequest(t, srv.URL))
	assert.Equal(t, "new body", third.Body(), "replaced entry must serve the new body")
}

func TestRedirectFollowed(t *testing.T) {
	e := newTestEnv(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("arrived"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := e.fetch(t, getRequest(t, srv.URL+"/start"))

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, "arrived", c.Body())
	assert.Equal(t, srv.URL+"/end", c.Response().URL.String())
}

func TestRedirectLimit(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.Fetch.MaxRedirects = 5

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	c := e.fetch(t, getRequest(t, srv.URL+"/loop"))

	require.Equal(t, ResultNetworkError, c.Outcome().Result)
	assert.Contains(t, c.Outcome().Reason, "too many redirects")
	assert.Equal(t, int32(6), hits.Load(), "initial request plus five follows")
}

func TestRedirect303RewritesToGET(t *testing.T) {
	e := newTestEnv(t)
	var endMethod, endBody atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Redirect(w, r, "/result", http.StatusSeeOther)
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		endMethod.Store(r.Method)
		endBody.Store(string(body))
		_, _ = w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := e.fetch(t, &Request{
		URL:    mustURL(t, srv.URL+"/submit"),
		Method: http.MethodPost,
		Body:   []byte("payload"),
	})

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, http.MethodGet, endMethod.Load())
	assert.Empty(t, endBody.Load(), "body drops with the method rewrite")
}

func TestRedirect307PreservesMethod(t *testing.T) {
	e := newTestEnv(t)
	var endMethod, endBody atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Redirect(w, r, "/result", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		endMethod.Store(r.Method)
		endBody.Store(string(body))
		_, _ = w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := e.fetch(t, &Request{
		URL:    mustURL(t, srv.URL+"/submit"),
		Method: http.MethodPost,
		Body:   []byte("payload"),
	})

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, http.MethodPost, endMethod.Load())
	assert.Equal(t, "payload", endBody.Load())
}

func TestCrossOriginRedirectStripsAuthorization(t *testing.T) {
	e := newTestEnv(t)
	var gotAuth atomic.Value
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("other origin"))
	}))
	defer other.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL, http.StatusFound)
	}))
	defer srv.Close()

	req := getRequest(t, srv.URL)
	req.Headers = http.Header{"Authorization": {"Bearer secret"}}
	c := e.fetch(t, req)

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, "", gotAuth.Load(), "credentials must not cross origins")
}

func TestSameOriginModeRejectsCrossOriginRedirect(t *testing.T) {
	e := newTestEnv(t)
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("should not arrive"))
	}))
	defer other.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL, http.StatusFound)
	}))
	defer srv.Close()

	req := getRequest(t, srv.URL)
	req.Mode = ModeSameOrigin
	c := e.fetch(t, req)

	require.Equal(t, ResultNetworkError, c.Outcome().Result)
	assert.Contains(t, c.Outcome().Reason, "cross-origin")
}

func TestRedirectPreservesFragment(t *testing.T) {
	e := newTestEnv(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := e.fetch(t, getRequest(t, srv.URL+"/a#section"))

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, "section", c.Response().URL.Fragment)
}

func TestCachedRedirectFollowedWithoutNetwork(t *testing.T) {
	e := newTestEnv(t)
	var redirectHits, endHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		redirectHits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		endHits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("moved here"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	first := e.fetch(t, getRequest(t, srv.URL+"/old"))
	require.Equal(t, "moved here", first.Body())

	second := e.fetch(t, getRequest(t, srv.URL+"/old"))
	require.Equal(t, ResultDone, second.Outcome().Result)
	assert.Equal(t, "moved here", second.Body())
	assert.True(t, second.Response().FromCache)

	assert.Equal(t, int32(1), redirectHits.Load(), "redirect hop must come from cache")
	assert.Equal(t, int32(1), endHits.Load(), "target must come from cache")
}

func TestConcurrentFetchesShareOneNetworkFetch(t *testing.T) {
	e := newTestEnv(t)
	const body = "shared body shared body shared body"
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(30 * time.Millisecond)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	const n = 8
	collectors := make([]*collector, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c := &collector{}
			collectors[i] = c
			e.fetcher.Fetch(context.Background(), getRequest(t, srv.URL+"/shared"), cancel.NewToken(), c)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, c := range collectors {
		require.Equal(t, ResultDone, c.Outcome().Result, "consumer %d", i)
		require.Equal(t, body, c.Body(), "consumer %d", i)
		require.Equal(t, 1, c.eofs, "consumer %d", i)
	}
	assert.Equal(t, int32(1), hits.Load(), "all consumers share one network fetch")
}

func TestCancelMidBodyEvictsEntry(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for i := 0; i < 200; i++ {
			if _, err := w.Write(bytes.Repeat([]byte("x"), 1024)); err != nil {
				return
			}
			fl.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	token := cancel.NewToken()
	c := &cancelAfterFirstChunk{token: token}
	e.fetcher.Fetch(context.Background(), getRequest(t, srv.URL+"/big"), token, c)

	require.Equal(t, 1, c.eofs)
	assert.Equal(t, ResultCancelled, c.Outcome().Result)

	_, entries := e.profile.Cache.Usage()
	assert.Zero(t, entries, "aborted streaming entry must be evicted")
}

// cancelAfterFirstChunk cancels its token as soon as any body bytes
// arrive.
type cancelAfterFirstChunk struct {
	collector
	token *cancel.Token
}

func (c *cancelAfterFirstChunk) ProcessResponseChunk(b []byte) {
	c.collector.ProcessResponseChunk(b)
	c.token.Cancel()
}

func TestCancelBeforeStart(t *testing.T) {
	e := newTestEnv(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	token := cancel.NewToken()
	token.Cancel()
	c := &collector{}
	e.fetcher.Fetch(context.Background(), getRequest(t, srv.URL), token, c)

	require.Equal(t, 1, c.eofs)
	assert.Equal(t, ResultCancelled, c.Outcome().Result)
	assert.Zero(t, hits.Load())
}

func TestCookiesRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	var gotCookie atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123", Path: "/"})
		_, _ = w.Write([]byte("set"))
	})
	mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		gotCookie.Store(r.Header.Get("Cookie"))
		_, _ = w.Write([]byte("read"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e.fetch(t, getRequest(t, srv.URL+"/set"))
	require.Equal(t, 1, e.profile.Jar.Len())

	e.fetch(t, getRequest(t, srv.URL+"/read"))
	assert.Equal(t, "session=abc123", gotCookie.Load())
}

func TestCredentialsOmitSkipsCookies(t *testing.T) {
	e := newTestEnv(t)
	var gotCookie atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123", Path: "/"})
	})
	mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		gotCookie.Store(r.Header.Get("Cookie"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e.fetch(t, getRequest(t, srv.URL+"/set"))

	req := getRequest(t, srv.URL+"/read")
	req.Credentials = CredentialsOmit
	e.fetch(t, req)
	assert.Equal(t, "", gotCookie.Load())
}

func TestURLCredentialsStoredOnSuccess(t *testing.T) {
	e := newTestEnv(t)
	var auths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	withCreds := mustURL(t, srv.URL)
	withCreds.User = url.UserPassword("alice", "secret")
	c := e.fetch(t, &Request{URL: withCreds, Method: http.MethodGet})
	require.Equal(t, ResultDone, c.Outcome().Result)

	// Same origin, no userinfo: stored credentials reattach.
	e.fetch(t, getRequest(t, srv.URL+"/other"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, auths, 2)
	want := basicAuth("alice", "secret")
	assert.Equal(t, want, auths[0])
	assert.Equal(t, want, auths[1])
}

func TestUnauthorizedDropsStoredCredentials(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	u := mustURL(t, srv.URL)
	e.profile.Auth.Store(u, state.Credentials{Username: "alice", Password: "stale"})

	c := e.fetch(t, getRequest(t, srv.URL))
	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, http.StatusUnauthorized, c.Response().Status)

	_, ok := e.profile.Auth.Lookup(u)
	assert.False(t, ok, "rejected credentials must be dropped")
}

func TestGzipBodyDecoded(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write(gzipBytes(t, []byte("inflate me please")))
	}))
	defer srv.Close()

	c := e.fetch(t, getRequest(t, srv.URL+"/gz"))

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, "inflate me please", c.Body())
	assert.Empty(t, c.Response().Headers.Get("Content-Encoding"))
	assert.Empty(t, c.Response().Headers.Get("Content-Length"))

	// The cache holds decoded bytes; a hit serves them unchanged.
	second := e.fetch(t, getRequest(t, srv.URL+"/gz"))
	assert.True(t, second.Response().FromCache)
	assert.Equal(t, "inflate me please", second.Body())
}

func TestTransientFailureRetried(t *testing.T) {
	e := newTestEnv(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := e.fetch(t, getRequest(t, srv.URL+"/flaky"))

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, "recovered", c.Body())
	assert.Equal(t, int32(2), calls.Load())
}

func TestDNSFailureIsTerminal(t *testing.T) {
	e := newTestEnv(t)
	c := e.fetch(t, getRequest(t, "http://resource.invalid/"))

	require.Equal(t, ResultNetworkError, c.Outcome().Result)
	assert.Contains(t, c.Outcome().Reason, "dns lookup failed")
}

func TestUnsupportedScheme(t *testing.T) {
	e := newTestEnv(t)
	c := e.fetch(t, getRequest(t, "gopher://example.com/"))

	require.Equal(t, ResultNetworkError, c.Outcome().Result)
	assert.Contains(t, c.Outcome().Reason, "unsupported scheme")
}

func TestCustomSchemeHandler(t *testing.T) {
	e := newTestEnv(t)
	registry := NewSchemeRegistry()
	require.NoError(t, registry.Register("ember", SchemeHandlerFunc(
		func(ctx context.Context, req *Request) (*Response, io.ReadCloser, error) {
			headers := http.Header{}
			headers.Set("Content-Type", "text/x-ember")
			resp := &Response{Status: http.StatusOK, Headers: headers}
			return resp, io.NopCloser(strings.NewReader("internal page")), nil
		})))
	e.fetcher.schemes = registry

	c := e.fetch(t, getRequest(t, "ember://settings"))

	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Equal(t, "text/x-ember", c.Response().Headers.Get("Content-Type"))
	assert.Equal(t, "internal page", c.Body())
}

func TestHSTSIgnoresIPLiterals(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=3600")
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()

	// Trust the test server's certificate.
	e.fetcher.client = clientTrusting(t, e.cfg, srv)

	c := e.fetch(t, getRequest(t, srv.URL))
	require.Equal(t, ResultDone, c.Outcome().Result)
	assert.Zero(t, e.profile.HSTS.Len(), "IP literals are never pinned")
}

// clientTrusting builds a Client whose transports accept the test
// server's TLS certificate.
func clientTrusting(t *testing.T, cfg *config.Config, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(cfg, nil, nil)
	inner := srv.Client().Transport
	c.retrying.SetTransport(inner)
	c.direct.SetTransport(inner)
	return c
}
