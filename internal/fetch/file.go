package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/emberweb/resourced/internal/cancel"
	"github.com/emberweb/resourced/internal/filemgr"
)

// fetchFile serves file: URLs from the local filesystem through the
// file manager's token layer. Directories render as an HTML listing;
// regular files honor single byte ranges.
func (f *Fetcher) fetchFile(ctx context.Context, req *Request, token *cancel.Token, target Target) (int64, error) {
	if req.Method != http.MethodGet {
		return 0, netError("method not allowed for file url", nil)
	}
	if host := req.URL.Host; host != "" && !strings.EqualFold(host, "localhost") {
		return 0, netError("file url host must be empty or localhost", nil)
	}
	path := req.URL.Path
	if path == "" {
		return 0, netError("file url has no path", nil)
	}

	entries, err := f.files.ListDirectory(ctx, path)
	switch {
	case err == nil:
		page, rerr := filemgr.RenderDirectoryListing(path, entries)
		if rerr != nil {
			return 0, netError("directory listing failed", rerr)
		}
		headers := http.Header{}
		headers.Set("Content-Type", "text/html; charset=utf-8")
		headers.Set("Content-Length", strconv.Itoa(len(page)))
		return f.serveBytes(req, token, target, http.StatusOK, headers, page)
	case errors.Is(err, filemgr.ErrNotDirectory):
		// Regular file, served below.
	default:
		return 0, netError("file not found", err)
	}

	tok, err := f.files.AcquireFileToken(path)
	if err != nil {
		return 0, netError("file not accessible", err)
	}
	defer f.files.ReleaseToken(tok)

	data, mediaType, err := f.files.ResolveToken(ctx, tok, filemgr.FullRange())
	if err != nil {
		return 0, netError("file read failed", err)
	}
	return f.serveContent(req, token, target, data, mediaType)
}

// serveContent delivers fully materialized content, answering a
// single-range request with 206 and the real total.
func (f *Fetcher) serveContent(req *Request, token *cancel.Token, target Target, data []byte, mediaType string) (int64, error) {
	headers := http.Header{}
	if mediaType != "" {
		headers.Set("Content-Type", mediaType)
	}

	status := http.StatusOK
	body := data
	if rng, ok := parseRangeHeader(req.Headers); ok {
		lo, hi := rng.Bounds(int64(len(data)))
		if lo >= hi {
			headers.Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
			return f.serveBytes(req, token, target, http.StatusRequestedRangeNotSatisfiable, headers, nil)
		}
		body = data[lo:hi]
		status = http.StatusPartialContent
		headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", lo, hi-1, len(data)))
	}
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	return f.serveBytes(req, token, target, status, headers, body)
}

// parseRangeHeader reads a single bytes range into a half-open window.
// Multipart and suffix ranges fall back to the full body.
func parseRangeHeader(headers http.Header) (filemgr.Range, bool) {
	raw := strings.TrimSpace(headers.Get("Range"))
	const prefix = "bytes="
	if raw == "" || !strings.HasPrefix(raw, prefix) {
		return filemgr.FullRange(), false
	}
	spec := raw[len(prefix):]
	if strings.Contains(spec, ",") {
		return filemgr.FullRange(), false
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return filemgr.FullRange(), false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return filemgr.FullRange(), false
	}
	if strings.TrimSpace(endStr) == "" {
		return filemgr.Range{Start: start, End: -1}, true
	}
	end, err := strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
	if err != nil || end < start {
		return filemgr.FullRange(), false
	}
	// Wire ranges are inclusive; Range.End is exclusive.
	return filemgr.Range{Start: start, End: end + 1}, true
}
