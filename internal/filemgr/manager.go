package filemgr

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/shared/id"
	"github.com/emberweb/resourced/internal/workers"
)

var (
	ErrBlobNotFound  = errors.New("filemgr: blob not found")
	ErrBlobRevoked   = errors.New("filemgr: blob revoked")
	ErrTokenNotFound = errors.New("filemgr: token not found")
	ErrNotDirectory  = errors.New("filemgr: not a directory")
)

// Range selects a half-open byte window [Start, End). End of -1 means
// to the end of the content. Out-of-bounds windows clamp rather than
// fail.
type Range struct {
	Start int64
	End   int64
}

// FullRange selects the whole content.
func FullRange() Range { return Range{Start: 0, End: -1} }

// Bounds clamps the window to content of the given size and returns
// the effective [lo, hi) offsets.
func (r Range) Bounds(size int64) (int64, int64) {
	lo := r.Start
	if lo < 0 {
		lo = 0
	}
	hi := r.End
	if hi < 0 || hi > size {
		hi = size
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

type blobEntry struct {
	data      []byte
	mediaType string
	path      string // file-backed when non-empty
	revoked   bool
	refs      int
}

type grant struct {
	path   string
	blobID uuid.UUID
	isBlob bool
}

// Manager owns blob URLs and file-access tokens. Blob bytes live in
// memory (or behind a file path for file-backed blobs); tokens pin a
// blob against being freed mid-fetch, though revocation still fails
// subsequent resolutions. Blocking reads go through the worker pool.
type Manager struct {
	pool *workers.Pool
	log  *logging.Logger

	mu       sync.RWMutex
	blobs    map[uuid.UUID]*blobEntry
	grants   map[id.FileTokenID]*grant
	selected map[string]struct{}
}

func NewManager(pool *workers.Pool, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		pool:     pool,
		log:      log.Named("filemgr"),
		blobs:    make(map[uuid.UUID]*blobEntry),
		grants:   make(map[id.FileTokenID]*grant),
		selected: make(map[string]struct{}),
	}
}

// AllocateBlob stores in-memory bytes under a fresh blob id. An empty
// media type is sniffed from the content.
func (m *Manager) AllocateBlob(data []byte, mediaType string) uuid.UUID {
	if mediaType == "" {
		mediaType = mimetype.Detect(data).String()
	}
	blob := make([]byte, len(data))
	copy(blob, data)

	blobID := uuid.New()
	m.mu.Lock()
	m.blobs[blobID] = &blobEntry{data: blob, mediaType: mediaType}
	m.mu.Unlock()

	m.log.Debug("blob allocated",
		zap.String("blob_id", blobID.String()),
		zap.Int("size", len(blob)),
		zap.String("media_type", mediaType),
	)
	return blobID
}

// AllocateFileBlob registers a file-backed blob. Bytes are read lazily
// at resolution time, so the file must outlive the blob.
func (m *Manager) AllocateFileBlob(path, mediaType string) (uuid.UUID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return uuid.Nil, fmt.Errorf("cannot blob a directory: %s", abs)
	}
	if mediaType == "" {
		mediaType = mediaTypeForPath(abs)
	}

	blobID := uuid.New()
	m.mu.Lock()
	m.blobs[blobID] = &blobEntry{path: abs, mediaType: mediaType}
	m.mu.Unlock()
	return blobID, nil
}

// RevokeBlob marks the blob dead. Resolutions fail from this point on;
// the bytes are freed once the last token releases. Reports whether
// the id was known and live.
func (m *Manager) RevokeBlob(blobID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.blobs[blobID]
	if !ok || entry.revoked {
		return false
	}
	entry.revoked = true
	if entry.refs == 0 {
		delete(m.blobs, blobID)
	}
	return true
}

// AcquireBlobToken pins a live blob for the duration of a fetch.
func (m *Manager) AcquireBlobToken(blobID uuid.UUID) (id.FileTokenID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.blobs[blobID]
	if !ok {
		return "", ErrBlobNotFound
	}
	if entry.revoked {
		return "", ErrBlobRevoked
	}
	entry.refs++

	tok := id.NewFileTokenID()
	m.grants[tok] = &grant{blobID: blobID, isBlob: true}
	return tok, nil
}

// AcquireFileToken grants read access to a local path for one fetch.
func (m *Manager) AcquireFileToken(path string) (id.FileTokenID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("failed to stat path: %w", err)
	}

	tok := id.NewFileTokenID()
	m.mu.Lock()
	m.grants[tok] = &grant{path: abs}
	m.mu.Unlock()
	return tok, nil
}

// ReleaseToken drops a grant. Releasing an unknown or already-released
// token is a no-op: cleanup must succeed on every fetch outcome.
func (m *Manager) ReleaseToken(tok id.FileTokenID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[tok]
	if !ok {
		return
	}
	delete(m.grants, tok)

	if g.isBlob {
		if entry, ok := m.blobs[g.blobID]; ok {
			entry.refs--
			if entry.revoked && entry.refs == 0 {
				delete(m.blobs, g.blobID)
			}
		}
	}
}

// ResolveToken reads the granted content, honoring the byte range. A
// blob revoked after acquisition fails here with ErrBlobRevoked; the
// caller still owes a ReleaseToken.
func (m *Manager) ResolveToken(ctx context.Context, tok id.FileTokenID, rng Range) ([]byte, string, error) {
	m.mu.RLock()
	g, ok := m.grants[tok]
	if !ok {
		m.mu.RUnlock()
		return nil, "", ErrTokenNotFound
	}

	if g.isBlob {
		entry, ok := m.blobs[g.blobID]
		if !ok || entry.revoked {
			m.mu.RUnlock()
			return nil, "", ErrBlobRevoked
		}
		if entry.path == "" {
			lo, hi := rng.Bounds(int64(len(entry.data)))
			out := make([]byte, hi-lo)
			copy(out, entry.data[lo:hi])
			mediaType := entry.mediaType
			m.mu.RUnlock()
			return out, mediaType, nil
		}
		path, mediaType := entry.path, entry.mediaType
		m.mu.RUnlock()
		data, err := m.readFile(ctx, path, rng)
		return data, mediaType, err
	}

	path := g.path
	m.mu.RUnlock()
	data, err := m.readFile(ctx, path, rng)
	if err != nil {
		return nil, "", err
	}
	return data, sniffMediaType(path, data), nil
}

// ReadFile reads a local file on the worker pool, honoring the range.
func (m *Manager) ReadFile(ctx context.Context, path string, rng Range) ([]byte, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve path: %w", err)
	}
	data, err := m.readFile(ctx, abs, rng)
	if err != nil {
		return nil, "", err
	}
	return data, sniffMediaType(abs, data), nil
}

func (m *Manager) readFile(ctx context.Context, path string, rng Range) ([]byte, error) {
	var data []byte
	var readErr error
	err := m.pool.SubmitWait(ctx, func() {
		raw, err := os.ReadFile(path)
		if err != nil {
			readErr = err
			return
		}
		lo, hi := rng.Bounds(int64(len(raw)))
		data = raw[lo:hi]
	})
	if err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read file: %w", readErr)
	}
	return data, nil
}

// SelectFile registers a user-chosen local path and grants a token for
// it. The registration outlives the token so later fetches may
// re-acquire.
func (m *Manager) SelectFile(path string) (id.FileTokenID, error) {
	tok, err := m.AcquireFileToken(path)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.selected[m.grants[tok].path] = struct{}{}
	m.mu.Unlock()
	return tok, nil
}

// SelectedFiles lists the registered local paths.
func (m *Manager) SelectedFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.selected))
	for path := range m.selected {
		out = append(out, path)
	}
	return out
}

// Stats reports manager occupancy.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"blobs":    len(m.blobs),
		"grants":   len(m.grants),
		"selected": len(m.selected),
	}
}

// sniffMediaType prefers the extension mapping and falls back to
// content detection for unknown extensions. Extension wins because
// sniffing cannot distinguish e.g. CSS from plain text.
func sniffMediaType(path string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return mimetype.Detect(data).String()
}

func mediaTypeForPath(path string) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	if mtype, err := mimetype.DetectFile(path); err == nil {
		return mtype.String()
	}
	return "application/octet-stream"
}
