// Package blob provides durable partition storage for monthly kline CSV
// files. An ObjectStore abstracts the underlying object storage (overwrite
// upload, idempotent delete, existence check); the PartitionWriter layers the
// canonical CSV encoding and deterministic partition paths on top of it.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ObjectStore is a durable object store keyed by path. Upload always
// overwrites, Delete succeeds silently when the key is absent.
type ObjectStore interface {
	// Upload durably stores data at key, replacing any existing object.
	Upload(ctx context.Context, key string, data []byte) error

	// Delete removes the object at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// StorageError reports a failed object store or partition operation.
type StorageError struct {
	Operation string
	Key       string
	Err       error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(operation, key string, err error) *StorageError {
	return &StorageError{Operation: operation, Key: key, Err: err}
}

// FSStore is an ObjectStore backed by the local filesystem, rooted at a
// directory. Keys map directly to file paths below the root.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed object store rooted at dir,
// creating the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewStorageError("init", dir, err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Upload writes data to the file for key, creating parent directories and
// replacing any existing file. The write goes through a temporary file plus
// rename so a crashed upload never leaves a truncated partition behind.
func (s *FSStore) Upload(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("upload", key, err)
	}
	path, err := s.path(key)
	if err != nil {
		return NewStorageError("upload", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewStorageError("upload", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return NewStorageError("upload", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return NewStorageError("upload", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return NewStorageError("upload", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return NewStorageError("upload", key, err)
	}
	return nil
}

// Delete removes the file for key. Absent files are ignored.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("delete", key, err)
	}
	path, err := s.path(key)
	if err != nil {
		return NewStorageError("delete", key, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewStorageError("delete", key, err)
	}
	return nil
}

// Exists reports whether a file is stored for key.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, NewStorageError("exists", key, err)
	}
	path, err := s.path(key)
	if err != nil {
		return false, NewStorageError("exists", key, err)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, NewStorageError("exists", key, err)
	}
	return true, nil
}

// MemoryStore is a thread-safe in-memory ObjectStore used in tests and local
// dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Upload stores a copy of data at key, replacing any existing object.
func (s *MemoryStore) Upload(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("upload", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return nil
}

// Delete removes the object at key, silently succeeding when absent.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("delete", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Exists reports whether an object is stored at key.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, NewStorageError("exists", key, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Get returns the stored object bytes and whether the key exists.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
