// Package blobsync moves whole project file trees between the blob store
// and a sandbox working directory.
package blobsync

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"nimbus-ide/internal/blobstore"
	"nimbus-ide/internal/logging"
)

// defaultIgnore names directory entries never uploaded back to the store.
var defaultIgnore = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"target":       true,
	".DS_Store":    true,
}

// Syncer materialises project trees into directories and uploads them back.
type Syncer struct {
	store  blobstore.Store
	ignore map[string]bool
}

// New returns a Syncer over the given store with the default ignore set.
func New(store blobstore.Store) *Syncer {
	return &Syncer{store: store, ignore: defaultIgnore}
}

// PullResult reports what a Pull materialised.
type PullResult struct {
	Files     int
	TotalSize int64
}

// Pull copies every object under the project prefix into dest, creating
// directories as needed. Files are written to a temp name and renamed so a
// cancelled pull never leaves half-written files behind.
func (s *Syncer) Pull(ctx context.Context, projectID uint, dest string) (*PullResult, error) {
	prefix := fmt.Sprintf("projects/%d/", projectID)
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list project %d: %w", projectID, err)
	}

	res := &PullResult{}
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return res, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}

		var buf bytes.Buffer
		if err := s.store.Download(ctx, obj.Key, &buf); err != nil {
			return res, fmt.Errorf("failed to download %s: %w", obj.Key, err)
		}
		tmp := target + ".sync-tmp"
		if err := os.WriteFile(tmp, buf.Bytes(), 0640); err != nil {
			return res, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			os.Remove(tmp)
			return res, fmt.Errorf("failed to finalise %s: %w", rel, err)
		}
		res.Files++
		res.TotalSize += int64(buf.Len())
	}

	logging.L().Debug("project materialised",
		zap.Uint("project_id", projectID),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.TotalSize))
	return res, nil
}

// Push uploads every regular file under src to the project prefix with
// upsert semantics, skipping the ignore set. subdir restricts the walk to
// one subtree ("" means the whole of src); the blob keys still carry the
// subtree prefix so a ".git"-only push lands under "<project>/.git/".
func (s *Syncer) Push(ctx context.Context, src string, projectID uint, subdir string) (int, error) {
	root := src
	keyBase := ""
	if subdir != "" {
		root = filepath.Join(src, filepath.FromSlash(subdir))
		keyBase = path.Clean(subdir) + "/"
	}

	uploaded := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return fs.SkipAll
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		name := d.Name()
		if d.IsDir() {
			// The ignore set never applies to the subtree root itself,
			// so a ".git"-only push is not filtered out.
			if p != root && s.ignore[name] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignore[name] {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("projects/%d/%s%s", projectID, keyBase, filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", rel, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		uerr := s.store.Upload(ctx, key, f, info.Size())
		f.Close()
		if uerr != nil {
			return fmt.Errorf("failed to upload %s: %w", key, uerr)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}

	logging.L().Debug("project uploaded",
		zap.Uint("project_id", projectID),
		zap.String("subdir", subdir),
		zap.Int("files", uploaded))
	return uploaded, nil
}
