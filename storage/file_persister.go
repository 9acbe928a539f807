// Package storage manages the files the session layer writes to disk:
// disposable browser profile directories and persisted page snapshots.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePersister persists files. It abstracts away where and how the data is
// written.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister persists files to the local disk.
type LocalFilePersister struct{}

var _ FilePersister = &LocalFilePersister{}

// Persist writes data to path, replacing any existing file. The data is
// written to a temporary file in the same directory first, so readers never
// observe a partially written snapshot.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persisting %q: %w", path, err)
	}

	cp := filepath.Clean(path)
	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(cp)+".*")
	if err != nil {
		return fmt.Errorf("creating a temporary file in %q: %w", dir, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = io.Copy(f, data); err != nil {
		return fmt.Errorf("writing %q: %w", f.Name(), err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", f.Name(), err)
	}
	if err = os.Chmod(f.Name(), 0o600); err != nil {
		return fmt.Errorf("setting permissions on %q: %w", f.Name(), err)
	}
	if err = os.Rename(f.Name(), cp); err != nil {
		return fmt.Errorf("moving snapshot to %q: %w", cp, err)
	}

	return nil
}
