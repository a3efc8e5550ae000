package pkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zde37/simpledht/pkg/hash"
)

// Compile-time check to ensure FileStorage implements Storage
var _ Storage = (*FileStorage)(nil)

const tempSuffix = ".tmp"

// FileStorage persists each entry as its own file inside a directory.
// A file is named by the SHA-1 hex digest of its key, so names have a fixed
// width whatever the key length. The file holds both key and value.
type FileStorage struct {
	dir    string
	mu     sync.RWMutex
	closed atomic.Bool
}

// NewFileStorage opens (creating if needed) a directory-backed store.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *FileStorage) Dir() string {
	return s.dir
}

// fileRecord is the on-disk form of one entry.
type fileRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.dir, hash.Sum(key))
}

func readRecord(path string) (fileRecord, error) {
	var rec fileRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("corrupt entry file %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

func (s *FileStorage) ready(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get reads the file holding key.
func (s *FileStorage) Get(ctx context.Context, key string) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := readRecord(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if rec.Key != key {
		return "", ErrKeyNotFound
	}
	return rec.Value, nil
}

// Put replaces the file for key atomically (write temp file, then rename).
func (s *FileStorage) Put(ctx context.Context, key, value string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(fileRecord{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode key %q: %w", key, err)
	}

	target := s.path(key)
	tmp := target + tempSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit key %q: %w", key, err)
	}
	return nil
}

// Delete removes the file for key, if any.
func (s *FileStorage) Delete(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// DeleteAll removes every entry file in the directory.
func (s *FileStorage) DeleteAll(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.entryNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete entry file %s: %w", name, err)
		}
	}
	return nil
}

// ListAll returns every entry in ascending key order.
func (s *FileStorage) ListAll(ctx context.Context) ([]Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.entryNames()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		rec, err := readRecord(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read entry file %s: %w", name, err)
		}
		entries = append(entries, Entry{Key: rec.Key, Value: rec.Value})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close marks the store unavailable. Files stay on disk.
func (s *FileStorage) Close() error {
	s.closed.Store(true)
	return nil
}

// entryNames lists entry files, skipping leftovers from interrupted writes
// and anything not named by a key digest.
func (s *FileStorage) entryNames() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() || strings.HasSuffix(de.Name(), tempSuffix) || !hash.IsValid(de.Name()) {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}
