// Package local implements the local filesystem storage driver. Intended for
// development and single-node deployments only; multiple instances would need
// a shared filesystem. Production deployments use the s3 driver.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/classml/classml/internal/config"
	"github.com/classml/classml/internal/storage"
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Store, error) {
		return New(&cfg.Storage.Local)
	})
}

// LocalStore implements the Store interface on a directory tree.
type LocalStore struct {
	basePath string
}

// New creates a local filesystem storage driver.
func New(cfg *config.LocalStorageConfig) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{basePath: cfg.BasePath}, nil
}

// Upload stores an object under key.
func (s *LocalStore) Upload(ctx context.Context, key string, reader io.Reader) (int64, error) {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		_ = os.Remove(fullPath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return written, nil
}

// Download opens the object at key.
func (s *LocalStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes the object at key. Missing objects are treated as already
// deleted.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	s.pruneEmptyDirs(filepath.Dir(fullPath))
	return nil
}

// DeletePrefix removes every object under prefix and returns the count.
func (s *LocalStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	root := filepath.Join(s.basePath, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))

	deleted := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk prefix %s: %w", prefix, err)
	}

	if err := os.RemoveAll(root); err != nil {
		return 0, fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
	}

	s.pruneEmptyDirs(filepath.Dir(root))
	return deleted, nil
}

// Exists reports whether an object is present at key.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// pruneEmptyDirs removes empty parent directories up to the base path, best
// effort.
func (s *LocalStore) pruneEmptyDirs(dir string) {
	for dir != s.basePath {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
