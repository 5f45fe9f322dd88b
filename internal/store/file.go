package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	fileSchemaVersion = 1
	fileMode          = 0o600
	dirMode           = 0o700
	tempFilePattern   = ".active-*.toml.tmp"
)

type fileEntry struct {
	Value     string    `toml:"value"`
	UpdatedAt time.Time `toml:"updated_at"`
}

type fileSchema struct {
	Version int                  `toml:"version"`
	Entries map[string]fileEntry `toml:"entries"`
}

// File stores records in a single TOML file. Every write goes to a temp
// file which is synced and renamed over the original.
type File struct {
	path string
	now  func() time.Time
	mu   *sync.RWMutex
}

var (
	fileLocksMu sync.Mutex
	fileLocks   = map[string]*sync.RWMutex{}
)

// lockForPath shares one lock between all File stores on the same path.
func lockForPath(path string) *sync.RWMutex {
	fileLocksMu.Lock()
	defer fileLocksMu.Unlock()
	if l, ok := fileLocks[path]; ok {
		return l
	}
	l := &sync.RWMutex{}
	fileLocks[path] = l
	return l
}

// NewFile creates a File store at path.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("store: file: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("store: file: resolve %s: %w", path, err)
	}
	return &File{path: abs, now: time.Now, mu: lockForPath(abs)}, nil
}

// Path returns the absolute file path.
func (f *File) Path() string { return f.path }

// Get implements KV.
func (f *File) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	file, err := f.read()
	if err != nil {
		return "", err
	}
	e, ok := file.Entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.Value, nil
}

// Set implements KV.
func (f *File) Set(ctx context.Context, key, value string) error {
	return f.update(ctx, func(file *fileSchema) int {
		file.Entries[key] = fileEntry{Value: value, UpdatedAt: f.now().UTC()}
		return 1
	})
}

// Delete implements KV.
func (f *File) Delete(ctx context.Context, key string) error {
	return f.update(ctx, func(file *fileSchema) int {
		if _, ok := file.Entries[key]; !ok {
			return 0
		}
		delete(file.Entries, key)
		return 1
	})
}

// PruneBefore implements Pruner.
func (f *File) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := f.update(ctx, func(file *fileSchema) int {
		for k, e := range file.Entries {
			if e.UpdatedAt.Before(cutoff) {
				delete(file.Entries, k)
				n++
			}
		}
		return n
	})
	return n, err
}

// update applies fn under the write lock and persists when fn reports changes.
func (f *File) update(ctx context.Context, fn func(*fileSchema) int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.read()
	if err != nil {
		return err
	}
	if fn(&file) == 0 {
		return nil
	}
	return f.write(file)
}

func (f *File) read() (fileSchema, error) {
	file := fileSchema{Version: fileSchemaVersion, Entries: map[string]fileEntry{}}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return file, fmt.Errorf("store: file: read %s: %w", f.path, err)
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("store: file: decode %s: %w", f.path, err)
	}
	if file.Version > fileSchemaVersion {
		return file, fmt.Errorf("store: file: unsupported version %d", file.Version)
	}
	if file.Entries == nil {
		file.Entries = map[string]fileEntry{}
	}
	return file, nil
}

func (f *File) write(file fileSchema) error {
	file.Version = fileSchemaVersion
	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("store: file: encode: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("store: file: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("store: file: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("store: file: write temp: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("store: file: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("store: file: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("store: file: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		cleanup()
		return fmt.Errorf("store: file: rename: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
