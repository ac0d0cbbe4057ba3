package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// ErrInvalidKey indicates a key that would escape the store root.
var ErrInvalidKey = errors.New("invalid object key")

// LocalStore keeps results as files below a root directory.
type LocalStore struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*LocalStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve absolute path for %q: %w", root, err)
	}

	mkdirErr := os.MkdirAll(absRoot, dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", absRoot, mkdirErr)
	}

	return &LocalStore{root: absRoot}, nil
}

// Store writes data under key and returns its file:// URL.
func (l *LocalStore) Store(ctx context.Context, key string, data []byte) (string, error) {
	err := l.Upload(ctx, key, data)
	if err != nil {
		return "", err
	}

	path, _ := l.path(key)

	return "file://" + filepath.ToSlash(path), nil
}

// Upload writes data under key, replacing any previous file atomically.
func (l *LocalStore) Upload(_ context.Context, key string, data []byte) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, mkdirErr)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr == nil {
		writeErr = os.Chmod(tmp.Name(), filePermissions)
	}

	if writeErr == nil {
		writeErr = os.Rename(tmp.Name(), path)
	}

	if writeErr != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", key, writeErr)
	}

	return nil
}

// Download reads the file stored under key.
func (l *LocalStore) Download(_ context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}

		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return data, nil
}

func (l *LocalStore) path(key string) (string, error) {
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}
