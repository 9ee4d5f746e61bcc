package settings

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileBackend persists settings as a flat YAML mapping in a single file.
// Every mutation rewrites the file through a temporary file, fsync and
// rename, so a crash leaves either the old or the new content on disk.
type FileBackend struct {
	path string

	mu   sync.RWMutex
	data map[string]string
}

var (
	_ Backend = (*FileBackend)(nil)
	_ Pinger  = (*FileBackend)(nil)
)

// OpenFile loads the settings file at path. A missing file is treated as
// empty and created on the first write.
func OpenFile(path string) (*FileBackend, error) {
	b := &FileBackend{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("settings: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &b.data); err != nil {
		return nil, fmt.Errorf("settings: decode %q: %w", path, err)
	}
	if b.data == nil {
		b.data = make(map[string]string)
	}
	return b, nil
}

// Get implements [Backend].
func (b *FileBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	return v, ok, nil
}

// Set implements [Backend].
func (b *FileBackend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := maps.Clone(b.data)
	next[key] = value
	if err := b.writeLocked(next); err != nil {
		return err
	}
	b.data = next
	return nil
}

// Delete implements [Backend].
func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data[key]; !ok {
		return nil
	}
	next := maps.Clone(b.data)
	delete(next, key)
	if err := b.writeLocked(next); err != nil {
		return err
	}
	b.data = next
	return nil
}

// Keys implements [Backend].
func (b *FileBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for _, k := range slices.Sorted(maps.Keys(b.data)) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Ping reports whether the settings directory is still reachable.
func (b *FileBackend) Ping(_ context.Context) error {
	if _, err := os.Stat(filepath.Dir(b.path)); err != nil {
		return fmt.Errorf("settings: stat dir: %w", err)
	}
	return nil
}

// writeLocked atomically replaces the file with data. Must be called with
// b.mu held for writing.
func (b *FileBackend) writeLocked(data map[string]string) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close temp: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}
