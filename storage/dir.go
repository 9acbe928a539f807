package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Dir is a disposable directory, such as a browser profile directory. It is
// never shared between two browser launches.
type Dir struct {
	// Dir is the absolute path of the directory once Make succeeds.
	Dir string

	mu      sync.Mutex
	removed bool

	fsRemoveAll func(string) error
}

// Make creates a new, empty directory named <prefix>-<uuid> under tmpDir.
// An empty tmpDir means os.TempDir().
func (d *Dir) Make(tmpDir, prefix string) error {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	path := filepath.Join(tmpDir, fmt.Sprintf("%s-%s", prefix, uuid.NewString()))
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("creating parent directory %q: %w", tmpDir, err)
	}
	// Mkdir, not MkdirAll: the directory must not exist yet.
	if err := os.Mkdir(path, 0o700); err != nil {
		return fmt.Errorf("creating directory %q: %w", path, err)
	}
	d.Dir = path

	return nil
}

// Join returns elem joined to the directory path.
func (d *Dir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.Dir}, elem...)...)
}

// Cleanup removes the directory and everything in it. It is safe to call
// more than once.
func (d *Dir) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed || d.Dir == "" {
		return nil
	}
	removeAll := os.RemoveAll
	if d.fsRemoveAll != nil {
		removeAll = d.fsRemoveAll
	}
	if err := removeAll(d.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing directory %q: %w", d.Dir, err)
	}
	d.removed = true

	return nil
}
