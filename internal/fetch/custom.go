package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/emberweb/resourced/internal/cancel"
)

// SchemeHandler serves fetches for one registered custom scheme. The
// returned body stream is read on the fetch goroutine and closed by
// the machine.
type SchemeHandler interface {
	FetchScheme(ctx context.Context, req *Request) (*Response, io.ReadCloser, error)
}

// SchemeHandlerFunc adapts a function to SchemeHandler.
type SchemeHandlerFunc func(ctx context.Context, req *Request) (*Response, io.ReadCloser, error)

func (f SchemeHandlerFunc) FetchScheme(ctx context.Context, req *Request) (*Response, io.ReadCloser, error) {
	return f(ctx, req)
}

// SchemeRegistry maps custom schemes to handlers. The built-in schemes
// cannot be overridden.
type SchemeRegistry struct {
	mu       sync.RWMutex
	handlers map[string]SchemeHandler
}

func NewSchemeRegistry() *SchemeRegistry {
	return &SchemeRegistry{handlers: make(map[string]SchemeHandler)}
}

// Register claims a scheme. Built-in and already-claimed schemes are
// rejected.
func (r *SchemeRegistry) Register(scheme string, handler SchemeHandler) error {
	scheme = strings.ToLower(scheme)
	if scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	switch scheme {
	case "http", "https", "data", "file", "blob", "ws", "wss":
		return fmt.Errorf("scheme %s is built in", scheme)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.handlers[scheme]; taken {
		return fmt.Errorf("scheme %s already registered", scheme)
	}
	r.handlers[scheme] = handler
	return nil
}

// Lookup returns the handler for a scheme.
func (r *SchemeRegistry) Lookup(scheme string) (SchemeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(scheme)]
	return h, ok
}

// fetchCustom delegates one hop to a registered scheme handler and
// streams whatever body it returns.
func (f *Fetcher) fetchCustom(ctx context.Context, handler SchemeHandler, req *Request, token *cancel.Token, target Target) (int64, error) {
	if token.Cancelled() {
		return 0, ErrCancelled
	}

	resp, body, err := handler.FetchScheme(ctx, req)
	if err != nil {
		if token.Cancelled() || errors.Is(err, context.Canceled) {
			return 0, ErrCancelled
		}
		return 0, netError("scheme handler failed", err)
	}
	if resp == nil {
		resp = &Response{Status: http.StatusOK}
	}
	if resp.URL == nil {
		resp.URL = req.URL
	}
	if resp.StatusText == "" {
		resp.StatusText = http.StatusText(resp.Status)
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	target.ProcessResponse(resp)

	if body == nil {
		return 0, nil
	}
	return f.copyBody(body, token, target, nil)
}
