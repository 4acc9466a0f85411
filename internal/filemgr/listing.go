package filemgr

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListDirectory enumerates a single directory level on the worker
// pool, sorted by name with directories first.
func (m *Manager) ListDirectory(ctx context.Context, path string) ([]DirEntry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	var entries []DirEntry
	var listErr error
	err = m.pool.SubmitWait(ctx, func() {
		info, err := os.Stat(abs)
		if err != nil {
			listErr = err
			return
		}
		if !info.IsDir() {
			listErr = ErrNotDirectory
			return
		}
		dirents, err := os.ReadDir(abs)
		if err != nil {
			listErr = err
			return
		}
		entries = make([]DirEntry, 0, len(dirents))
		for _, d := range dirents {
			entry := DirEntry{Name: d.Name(), IsDir: d.IsDir()}
			if fi, err := d.Info(); err == nil {
				entry.Size = fi.Size()
				entry.ModTime = fi.ModTime()
			}
			entries = append(entries, entry)
		}
	})
	if err != nil {
		return nil, err
	}
	if listErr != nil {
		return nil, fmt.Errorf("failed to list directory: %w", listErr)
	}

	sort.Slice(entries, func(a, b int) bool {
		if entries[a].IsDir != entries[b].IsDir {
			return entries[a].IsDir
		}
		return entries[a].Name < entries[b].Name
	})
	return entries, nil
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Index of {{.Path}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
td, th { padding: 0.2em 1em; text-align: left; }
</style>
</head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Modified</th></tr>
{{if .Parent}}<tr><td><a href="..">..</a></td><td></td><td></td></tr>{{end}}
{{range .Entries}}<tr><td><a href="{{.Href}}">{{.Label}}</a></td><td>{{.Size}}</td><td>{{.Modified}}</td></tr>
{{end}}</table>
</body>
</html>
`))

type listingRow struct {
	Href     string
	Label    string
	Size     string
	Modified string
}

// RenderDirectoryListing produces the HTML index page for a directory.
// Names pass through the template engine, so hostile file names cannot
// inject markup.
func RenderDirectoryListing(path string, entries []DirEntry) ([]byte, error) {
	rows := make([]listingRow, len(entries))
	for i, e := range entries {
		row := listingRow{Href: e.Name, Label: e.Name}
		if e.IsDir {
			row.Href += "/"
			row.Label += "/"
		} else {
			row.Size = fmt.Sprintf("%d", e.Size)
		}
		if !e.ModTime.IsZero() {
			row.Modified = e.ModTime.Format("2006-01-02 15:04")
		}
		rows[i] = row
	}

	var buf bytes.Buffer
	err := listingTemplate.Execute(&buf, struct {
		Path    string
		Parent  bool
		Entries []listingRow
	}{
		Path:    path,
		Parent:  filepath.Dir(path) != path,
		Entries: rows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render listing: %w", err)
	}
	return buf.Bytes(), nil
}
