package fetch

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/emberweb/resourced/internal/cancel"
)

const defaultDataMediaType = "text/plain;charset=US-ASCII"

// fetchData serves a data: URL entirely from its payload.
func (f *Fetcher) fetchData(req *Request, token *cancel.Token, target Target) (int64, error) {
	mediaType, body, err := parseDataURL(req.URL)
	if err != nil {
		return 0, netError("malformed data url", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", mediaType)
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	return f.serveBytes(req, token, target, http.StatusOK, headers, body)
}

// parseDataURL splits a data: URL into its media type and payload.
// Base64 payloads tolerate percent-encoding and missing padding;
// plain payloads are percent-decoded.
func parseDataURL(u *url.URL) (string, []byte, error) {
	raw := u.Opaque
	if raw == "" {
		raw = strings.TrimPrefix(u.Path, "/")
	}
	if u.RawQuery != "" {
		raw += "?" + u.RawQuery
	}

	comma := strings.Index(raw, ",")
	if comma < 0 {
		return "", nil, fmt.Errorf("malformed data url: no comma")
	}
	meta, payload := raw[:comma], raw[comma+1:]

	isBase64 := false
	if idx := len(meta) - len(";base64"); idx >= 0 && strings.EqualFold(meta[idx:], ";base64") {
		isBase64 = true
		meta = meta[:idx]
	}

	mediaType := meta
	switch {
	case mediaType == "":
		mediaType = defaultDataMediaType
	case strings.HasPrefix(mediaType, ";"):
		mediaType = "text/plain" + mediaType
	}

	if isBase64 {
		if unescaped, err := url.PathUnescape(payload); err == nil {
			payload = unescaped
		}
		payload = strings.TrimSpace(payload)
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return "", nil, fmt.Errorf("malformed data url: %w", err)
		}
		return mediaType, data, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("malformed data url: %w", err)
	}
	return mediaType, []byte(decoded), nil
}
