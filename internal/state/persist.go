package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/emberweb/resourced/internal/cookies"
)

const (
	authCacheFile = "auth_cache.json"
	hstsListFile  = "hsts_list.json"
	cookieJarFile = "cookie_jar.json"
)

// errNoFile marks an absent persistence file, which is the normal
// first-run case rather than a failure.
var errNoFile = errors.New("state: no persisted file")

type authCacheDoc struct {
	Version int                    `json:"version"`
	Entries map[string]Credentials `json:"entries"`
}

type hstsListDoc struct {
	Version int                  `json:"version"`
	Entries map[string]HstsEntry `json:"entries"`
}

type cookieJarDoc struct {
	Version int               `json:"version"`
	Cookies []*cookies.Cookie `json:"cookies"`
}

// readJSONFile loads and decodes one named document from the config
// directory. Returns errNoFile when the file does not exist.
func readJSONFile(dir, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errNoFile
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// writeJSONFile encodes and writes one named document into the config
// directory, creating it if needed. Profile state is private to the
// user, hence the tight modes.
func writeJSONFile(dir, name string, v interface{}) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
