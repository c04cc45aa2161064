package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStorage implements ObjectStore on a local directory.
// Objects live at <baseDir>/<bucket>/<key>.
type FilesystemStorage struct {
	baseDir string
}

// NewFilesystemStorage creates a new filesystem object store
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilesystemStorage{
		baseDir: filepath.Clean(baseDir),
	}, nil
}

// path resolves bucket/key under baseDir, rejecting directory traversal
func (fs *FilesystemStorage) path(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("invalid object address %q/%q", bucket, key)
	}

	path := filepath.Join(fs.baseDir, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(path, fs.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key: path traversal detected")
	}
	return path, nil
}

// Get reads the object at bucket/key
func (fs *FilesystemStorage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	path, err := fs.path(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// Put writes the object atomically via a temp file and rename
func (fs *FilesystemStorage) Put(ctx context.Context, bucket, key string, data []byte) error {
	path, err := fs.path(bucket, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}

	return nil
}
