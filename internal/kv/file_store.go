package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per key under Dir. Writes go through a
// temp file and rename so a crash never leaves a torn value behind.
type FileStore struct {
	dir string
}

var keyReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("kv: create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, keyReplacer.Replace(key)+".json")
}

func (fs *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(fs.path(key)) // #nosec G304 -- key is sanitized into dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: read %s: %w", key, err)
	}
	return b, nil
}

func (fs *FileStore) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(fs.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("kv: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("kv: write %s: %w", key, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("kv: chmod %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kv: close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, fs.path(key)); err != nil {
		return fmt.Errorf("kv: commit %s: %w", key, err)
	}
	return nil
}

// Ping checks that the data directory is still writable.
func (fs *FileStore) Ping(context.Context) error {
	info, err := os.Stat(fs.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("kv: %s is not a directory", fs.dir)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
