// Package blobstore abstracts the object store holding project file trees.
// Keys are "<project-id>/<relative-path>"; providers are interchangeable
// behind the Store interface.
package blobstore

import (
	"context"
	"io"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the object-store contract used by blob synchronisation.
type Store interface {
	Upload(ctx context.Context, key string, data io.Reader, size int64) error
	Download(ctx context.Context, key string, w io.Writer) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
}
