// Package blob defines the object store driver abstraction of the gateway.
//
// A driver stores opaque blobs keyed by "{prefix}/{file_path}" and reports an
// opaque ETag per stored version. Two drivers exist: S3-compatible object
// storage (pkg/blob/s3) and a local filesystem store (pkg/blob/local). Both
// write metadata through to the cache so repeated stat calls stay off the
// backend.
//
// The gateway intentionally does not serialize concurrent writers of the same
// key. The store's atomic put gives last-writer-wins; clients that need more
// use If-Match optimistic concurrency. Do not add a per-key lock here.
package blob

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// StorageObject identifies a blob and carries per-request transfer state.
//
// ETag and Size are populated by the driver; LocalFile points at the spooled
// upload file; Body is the content stream of a retrieve. All of them are
// optional depending on which direction the object is traveling.
type StorageObject struct {
	Prefix   string
	FilePath string
	ETag     string
	Size     int64

	// LocalFile is the spool file to upload from.
	LocalFile string

	// Body is the content stream of a retrieve. A nil Body on a successful
	// Retrieve means the caller's ETag matched (not modified).
	Body io.ReadCloser
}

// Key returns the object store key for the object.
func (so StorageObject) Key() string {
	return so.Prefix + "/" + so.FilePath
}

// IsBlock reports whether the object lives in the block/ region of its
// prefix. Blocks count strictly against quota and emit no change events.
func (so StorageObject) IsBlock() bool {
	return strings.HasPrefix(so.FilePath, "block/")
}

// Transfer is the capability set of an object store driver.
//
// Implementations must be safe for concurrent use; every blocking call takes
// a context and honors cancellation where the backend allows it.
type Transfer interface {
	// Store persists the content of so.LocalFile under so.Key and returns the
	// stored object (ETag and Size populated) together with the size delta
	// against the previous version (previous size 0 when the key was absent).
	// The spool file still exists after Store returns; its contents may be gone.
	Store(ctx context.Context, so StorageObject) (StorageObject, int64, error)

	// Retrieve fetches the object. When so.ETag is set it is used as an
	// If-None-Match condition; a match yields a result with a nil Body.
	// A missing object yields ErrNotFound.
	Retrieve(ctx context.Context, so StorageObject) (*StorageObject, error)

	// Meta stats the object without fetching content. A missing object
	// yields ErrNotFound.
	Meta(ctx context.Context, so StorageObject) (*StorageObject, error)

	// Delete removes the object and returns the number of bytes freed.
	// Deleting a missing object is not an error and frees 0 bytes.
	Delete(ctx context.Context, so StorageObject) (int64, error)
}
