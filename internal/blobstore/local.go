package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps objects on the local filesystem. Used in development and
// in tests; the key namespace maps directly onto directories.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a filesystem-backed store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		basePath = "/var/lib/nimbus/blobs"
	}
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	full := filepath.Join(s.basePath, clean)
	if !strings.HasPrefix(full, s.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid key: %s", key)
	}
	return full, nil
}

func (s *LocalStore) Upload(ctx context.Context, key string, data io.Reader, size int64) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("failed to create object: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, data); err != nil {
		os.Remove(full)
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

func (s *LocalStore) Download(ctx context.Context, key string, w io.Writer) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			objects = append(objects, ObjectInfo{Key: rel, Size: info.Size()})
		}
		return nil
	})
	return objects, err
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	full, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
