package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileName returns the file a key is stored in, relative to the store
// directory.
func FileName(key string) string {
	return key + ".json"
}

// File stores one file per key under a directory. Writes go to a temporary
// file that is renamed into place.
type File struct {
	dir string
	mu  sync.RWMutex
}

// NewFile creates the directory if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrUnavailable, dir, err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the directory holding the key files.
func (f *File) Dir() string {
	return f.dir
}

// Path returns the absolute file path for key.
func (f *File) Path(key string) string {
	return filepath.Join(f.dir, FileName(key))
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrUnavailable, key, err)
	}
	return data, true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.Path(key)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (f *File) Close() error {
	return nil
}
