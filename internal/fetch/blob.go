package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/emberweb/resourced/internal/cancel"
	"github.com/emberweb/resourced/internal/filemgr"
)

// fetchBlob serves blob: URLs out of the file manager's blob store. A
// token pins the blob for the duration of the read; revocation during
// the fetch is a terminal error.
func (f *Fetcher) fetchBlob(ctx context.Context, req *Request, token *cancel.Token, target Target) (int64, error) {
	if req.Method != http.MethodGet {
		return 0, netError("method not allowed for blob url", nil)
	}
	blobID, err := parseBlobURL(req.URL)
	if err != nil {
		return 0, netError("malformed blob url", err)
	}

	tok, err := f.files.AcquireBlobToken(blobID)
	if err != nil {
		switch {
		case errors.Is(err, filemgr.ErrBlobRevoked):
			return 0, netError("blob revoked", err)
		case errors.Is(err, filemgr.ErrBlobNotFound):
			return 0, netError("blob not found", err)
		}
		return 0, netError("blob access failed", err)
	}
	defer f.files.ReleaseToken(tok)

	data, mediaType, err := f.files.ResolveToken(ctx, tok, filemgr.FullRange())
	if err != nil {
		if errors.Is(err, filemgr.ErrBlobRevoked) {
			return 0, netError("blob revoked", err)
		}
		return 0, netError("blob read failed", err)
	}
	return f.serveContent(req, token, target, data, mediaType)
}

// parseBlobURL extracts the blob ID from the opaque part of a blob:
// URL, tolerating an origin prefix as in blob:http://origin/<id>.
func parseBlobURL(u *url.URL) (uuid.UUID, error) {
	raw := u.Opaque
	if raw == "" {
		raw = strings.TrimPrefix(u.Path, "/")
	}
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		raw = raw[i+1:]
	}
	return uuid.Parse(raw)
}
