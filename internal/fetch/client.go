package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
)

// Client issues the actual HTTP exchanges for the fetch machine. Two
// resty clients share one transport pool: the retrying one wraps it in
// a retryablehttp round tripper for idempotent requests, the direct
// one goes straight through. Neither follows redirects (the machine
// owns the hop loop) and neither enforces a total deadline: only
// connect-level timeouts apply, long downloads are legitimate.
type Client struct {
	retrying *resty.Client
	direct   *resty.Client
	limiter  *rate.Limiter
	log      *logging.Logger
}

// NewClient assembles the client from config.
func NewClient(cfg *config.Config, log *logging.Logger, m *monitoring.Metrics) *Client {
	if log == nil {
		log = logging.NewNop()
	}
	connectTimeout := time.Duration(cfg.Fetch.ConnectTimeoutSec) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Fetch.MaxRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.HTTPClient = &http.Client{
		Transport:     transport,
		CheckRedirect: noFollow,
	}
	// Retry only on connection-level failures; any response, 5xx
	// included, is an answer the consumer should see.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return isTransient(err), nil
		}
		return false, nil
	}
	if m != nil {
		retryClient.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
			if attempt > 0 {
				m.RecordRetry()
			}
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(
			rate.Limit(cfg.RateLimit.RequestsPerSecond),
			cfg.RateLimit.Burst,
		)
	}

	userAgent := cfg.Fetch.UserAgent

	retrying := resty.New().
		SetTransport(&retryablehttp.RoundTripper{Client: retryClient}).
		SetDoNotParseResponse(true).
		SetRedirectPolicy(noFollowPolicy{}).
		SetHeader("User-Agent", userAgent)

	direct := resty.New().
		SetTransport(transport).
		SetDoNotParseResponse(true).
		SetRedirectPolicy(noFollowPolicy{}).
		SetHeader("User-Agent", userAgent)

	return &Client{
		retrying: retrying,
		direct:   direct,
		limiter:  limiter,
		log:      log.Named("client"),
	}
}

// Do performs one exchange and returns the raw response without
// following redirects. Responses must be closed via RawBody by the
// caller.
func (c *Client) Do(ctx context.Context, method string, u *url.URL, headers http.Header, body []byte, retryable bool) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	rc := c.direct
	if retryable {
		rc = c.retrying
	}

	req := rc.R().SetContext(ctx)
	if len(headers) > 0 {
		req.SetHeaderMultiValues(headers)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}
	return req.Execute(method, u.String())
}

// noFollow keeps 3xx responses in the caller's hands.
func noFollow(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

// noFollowPolicy adapts noFollow to resty's redirect policy hook.
type noFollowPolicy struct{}

func (noFollowPolicy) Apply(req *http.Request, via []*http.Request) error {
	return noFollow(req, via)
}
