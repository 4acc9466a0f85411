package filemgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberweb/resourced/internal/workers"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	pool := workers.NewPool(2, 16, nil, nil)
	t.Cleanup(func() { pool.Stop(time.Second) })
	return NewManager(pool, nil)
}

func TestBlobRoundTrip(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	blobID := m.AllocateBlob([]byte("hello blob"), "text/plain")
	tok, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)
	defer m.ReleaseToken(tok)

	data, mediaType, err := m.ResolveToken(ctx, tok, FullRange())
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(data))
	assert.Equal(t, "text/plain", mediaType)
}

func TestBlobRangeRead(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	blobID := m.AllocateBlob([]byte("0123456789"), "text/plain")
	tok, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)
	defer m.ReleaseToken(tok)

	tests := []struct {
		name string
		rng  Range
		want string
	}{
		{"window", Range{Start: 2, End: 5}, "234"},
		{"open end", Range{Start: 7, End: -1}, "789"},
		{"end past size clamps", Range{Start: 8, End: 100}, "89"},
		{"start past size is empty", Range{Start: 50, End: -1}, ""},
		{"negative start clamps", Range{Start: -3, End: 2}, "01"},
		{"full", FullRange(), "0123456789"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _, err := m.ResolveToken(ctx, tok, tt.rng)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestBlobMediaTypeSniffing(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	blobID := m.AllocateBlob([]byte("<!DOCTYPE html><html></html>"), "")
	tok, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)
	defer m.ReleaseToken(tok)

	_, mediaType, err := m.ResolveToken(ctx, tok, FullRange())
	require.NoError(t, err)
	assert.Contains(t, mediaType, "text/html")
}

func TestBlobRevocation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	blobID := m.AllocateBlob([]byte("doomed"), "text/plain")
	tok, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)

	require.True(t, m.RevokeBlob(blobID))
	assert.False(t, m.RevokeBlob(blobID))

	t.Run("resolution fails after revoke", func(t *testing.T) {
		_, _, err := m.ResolveToken(ctx, tok, FullRange())
		assert.ErrorIs(t, err, ErrBlobRevoked)
	})

	t.Run("fresh acquisition fails", func(t *testing.T) {
		_, err := m.AcquireBlobToken(blobID)
		assert.ErrorIs(t, err, ErrBlobRevoked)
	})

	t.Run("release still succeeds and frees the blob", func(t *testing.T) {
		m.ReleaseToken(tok)
		assert.Equal(t, 0, m.Stats()["blobs"])

		_, err := m.AcquireBlobToken(blobID)
		assert.ErrorIs(t, err, ErrBlobNotFound)
	})
}

func TestBlobFreedOnlyAfterLastRelease(t *testing.T) {
	m := testManager(t)

	blobID := m.AllocateBlob([]byte("shared"), "text/plain")
	tok1, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)
	tok2, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)

	m.RevokeBlob(blobID)
	m.ReleaseToken(tok1)
	assert.Equal(t, 1, m.Stats()["blobs"])
	m.ReleaseToken(tok2)
	assert.Equal(t, 0, m.Stats()["blobs"])
}

func TestReleaseUnknownTokenIsNoop(t *testing.T) {
	m := testManager(t)
	m.ReleaseToken("tok_unknown")

	blobID := m.AllocateBlob([]byte("x"), "text/plain")
	tok, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)
	m.ReleaseToken(tok)
	m.ReleaseToken(tok)
	assert.Equal(t, 0, m.Stats()["grants"])
}

func TestFileBackedBlob(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("file-backed bytes"), 0o644))

	blobID, err := m.AllocateFileBlob(path, "application/octet-stream")
	require.NoError(t, err)
	tok, err := m.AcquireBlobToken(blobID)
	require.NoError(t, err)
	defer m.ReleaseToken(tok)

	data, mediaType, err := m.ResolveToken(ctx, tok, Range{Start: 5, End: 11})
	require.NoError(t, err)
	assert.Equal(t, "backed", string(data))
	assert.Equal(t, "application/octet-stream", mediaType)
}

func TestAllocateFileBlobValidation(t *testing.T) {
	m := testManager(t)

	_, err := m.AllocateFileBlob(filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)

	_, err = m.AllocateFileBlob(t.TempDir(), "")
	assert.Error(t, err)
}

func TestFileToken(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "style.css")
	require.NoError(t, os.WriteFile(path, []byte("body { margin: 0 }"), 0o644))

	tok, err := m.AcquireFileToken(path)
	require.NoError(t, err)
	defer m.ReleaseToken(tok)

	data, mediaType, err := m.ResolveToken(ctx, tok, FullRange())
	require.NoError(t, err)
	assert.Equal(t, "body { margin: 0 }", string(data))
	// Extension mapping wins over content sniffing.
	assert.Contains(t, mediaType, "text/css")
}

func TestAcquireFileTokenMissingPath(t *testing.T) {
	m := testManager(t)
	_, err := m.AcquireFileToken(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestResolveUnknownToken(t *testing.T) {
	m := testManager(t)
	_, _, err := m.ResolveToken(context.Background(), "tok_missing", FullRange())
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestSelectFile(t *testing.T) {
	m := testManager(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "upload.txt")
	require.NoError(t, os.WriteFile(path, []byte("selected"), 0o644))

	tok, err := m.SelectFile(path)
	require.NoError(t, err)
	defer m.ReleaseToken(tok)

	selected := m.SelectedFiles()
	require.Len(t, selected, 1)
	assert.Equal(t, path, selected[0])

	_, err = m.SelectFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestBlobNotFound(t *testing.T) {
	m := testManager(t)
	_, err := m.AcquireBlobToken(uuid.New())
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
