// Package artifacts archives generated reports and transform modules
// in blob storage. Backends: local filesystem, S3-compatible object
// stores and Google Cloud Storage (build tag gcp).
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound reports a missing blob.
var ErrNotFound = errors.New("artifacts: not found")

// Store is key-addressed blob storage. Keys are slash-separated
// relative paths, e.g. "reports/2026/08/26/<id>.json".
type Store interface {
	Put(ctx context.Context, key string, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// cleanKey normalizes and validates a storage key. Absolute paths and
// parent traversal are rejected so a key can never escape the store.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("artifacts: empty key")
	}
	cleaned := path.Clean(key)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("artifacts: invalid key %q", key)
	}
	return cleaned, nil
}

// FileStore is a filesystem-backed Store. Writes are atomic: blobs land
// in a temp file first and are renamed into place.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store rooted at baseDir, creating it if
// needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure base dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(cleaned)), nil
}

// Put writes the blob. The content type is not recorded on the
// filesystem backend.
func (s *FileStore) Put(ctx context.Context, key string, contentType string, data []byte) error {
	fullPath, err := s.blobPath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("artifacts: ensure key dir: %w", err)
	}
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := s.blobPath(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := s.blobPath(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat blob: %w", err)
}

// Delete removes the blob. Deleting an absent key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	fullPath, err := s.blobPath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}
