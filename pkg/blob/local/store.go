// Package local implements the object store driver on a plain directory tree.
// It exists for development and single-node deployments; the layout is one
// file per key under the configured root.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/cache"
)

// Store keeps blobs as files under Root and mirrors (etag, size) metadata into
// the cache. The etag of a file is its mtime in nanoseconds, which the rename
// in Store refreshes on every write.
type Store struct {
	root  string
	cache cache.Cache
}

// New creates a local driver rooted at root. The directory is created if
// missing.
func New(root string, c cache.Cache) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root %q: %w", root, err)
	}
	return &Store{root: root, cache: c}, nil
}

func (s *Store) path(so blob.StorageObject) string {
	return filepath.Join(s.root, so.Prefix, filepath.FromSlash(so.FilePath))
}

func etagOf(info os.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

// Store moves the spool file into place and returns the stored object along
// with the size delta against the previous version. The spool path still
// exists (empty) afterwards so the caller's deferred cleanup stays valid.
func (s *Store) Store(ctx context.Context, so blob.StorageObject) (blob.StorageObject, int64, error) {
	if err := ctx.Err(); err != nil {
		return blob.StorageObject{}, 0, err
	}

	oldSize := int64(0)
	if old, err := s.Meta(ctx, so); err == nil {
		oldSize = old.Size
	} else if !errors.Is(err, blob.ErrNotFound) {
		return blob.StorageObject{}, 0, err
	}

	dst := s.path(so)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return blob.StorageObject{}, 0, fmt.Errorf("local: create key dir: %w", err)
	}
	if err := moveOrCopy(so.LocalFile, dst); err != nil {
		return blob.StorageObject{}, 0, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return blob.StorageObject{}, 0, fmt.Errorf("local: stat after store: %w", err)
	}
	so.ETag = etagOf(info)
	so.Size = info.Size()

	if err := s.cache.SetStorage(so); err != nil {
		logger.Warn("failed to cache stored object", "key", so.Key(), "error", err)
	}
	return so, so.Size - oldSize, nil
}

// moveOrCopy renames src to dst, falling back to a sibling temp file plus
// rename when src and dst live on different filesystems. The previous dst
// survives until the final rename, so concurrent readers never see a partial
// object. Either way src exists (empty) when it returns.
func moveOrCopy(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		// Recreate the spool path so deferred removal by the caller works.
		f, err := os.OpenFile(src, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("local: recreate spool: %w", err)
		}
		return f.Close()
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("local: rename: %w", err)
	}
	if err := copyViaTemp(src, dst); err != nil {
		return err
	}
	return os.Truncate(src, 0)
}

// copyViaTemp copies src into a temp file in dst's directory and renames it
// over the target. The temp file is removed on every failure path.
func copyViaTemp(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("local: open spool: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("local: create temp target: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("local: copy spool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local: close temp target: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("local: rename temp target: %w", err)
	}
	return nil
}

// Retrieve opens the file unless the caller's etag still matches.
func (s *Store) Retrieve(ctx context.Context, so blob.StorageObject) (*blob.StorageObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := s.path(so)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("local: stat: %w", err)
	}

	current := etagOf(info)
	if so.ETag != "" && so.ETag == current {
		return &blob.StorageObject{
			Prefix:   so.Prefix,
			FilePath: so.FilePath,
			ETag:     current,
			Size:     info.Size(),
		}, nil
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("local: open: %w", err)
	}

	result := &blob.StorageObject{
		Prefix:   so.Prefix,
		FilePath: so.FilePath,
		ETag:     current,
		Size:     info.Size(),
		Body:     f,
	}
	if err := s.cache.SetStorage(*result); err != nil {
		logger.Warn("failed to cache retrieved object", "key", so.Key(), "error", err)
	}
	return result, nil
}

// Meta answers from the cache when possible and falls back to a stat.
func (s *Store) Meta(ctx context.Context, so blob.StorageObject) (*blob.StorageObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cached, err := s.cache.GetStorage(so); err == nil {
		return &cached, nil
	}

	info, err := os.Stat(s.path(so))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("local: stat: %w", err)
	}

	result := &blob.StorageObject{
		Prefix:   so.Prefix,
		FilePath: so.FilePath,
		ETag:     etagOf(info),
		Size:     info.Size(),
	}
	if err := s.cache.SetStorage(*result); err != nil {
		logger.Warn("failed to cache object meta", "key", so.Key(), "error", err)
	}
	return result, nil
}

// Delete removes the file and returns the freed size. A missing file frees 0
// bytes and is not an error.
func (s *Store) Delete(ctx context.Context, so blob.StorageObject) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	size := int64(0)
	if meta, err := s.Meta(ctx, so); err == nil {
		size = meta.Size
	} else if !errors.Is(err, blob.ErrNotFound) {
		return 0, err
	}

	if err := os.Remove(s.path(so)); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("local: remove: %w", err)
	}
	if err := s.cache.DeleteStorage(so); err != nil {
		logger.Warn("failed to invalidate cached object", "key", so.Key(), "error", err)
	}
	return size, nil
}

var _ blob.Transfer = (*Store)(nil)
