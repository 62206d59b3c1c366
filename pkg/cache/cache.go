// Package cache provides the gateway's metadata cache: blob (etag, size)
// pairs written through by the object store drivers, and short-lived user
// records written through by the auth resolver.
//
// Two implementations exist: an in-process map for single-node setups and
// tests, and a redis-backed cache for deployments with several gateway
// workers. Storage entries carry no TTL and are invalidated on writes; user
// entries expire after AuthTTL so quota changes propagate within a minute.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/models"
)

// AuthTTL bounds the staleness of cached user records.
const AuthTTL = 60 * time.Second

const storagePrefix = "storage_"

var (
	// ErrNotFound is returned when the cache holds no entry for the key.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrIncomplete is returned by SetStorage when the object lacks the etag
	// or size the entry is supposed to carry.
	ErrIncomplete = errors.New("cache: storage entry requires etag and size")
)

// Cache is the metadata cache contract shared by the drivers and the auth
// resolver.
type Cache interface {
	// GetStorage returns so with ETag and Size filled from the cache, or
	// ErrNotFound.
	GetStorage(so blob.StorageObject) (blob.StorageObject, error)

	// SetStorage stores the (etag, size) of so. ErrIncomplete if unset.
	SetStorage(so blob.StorageObject) error

	// DeleteStorage drops the entry for so, if any.
	DeleteStorage(so blob.StorageObject) error

	// GetAuth resolves a raw Authorization header to a cached user.
	GetAuth(token string) (models.User, error)

	// SetAuth caches the user under both the token and its user id, each
	// with AuthTTL.
	SetAuth(token string, user models.User) error

	// GetUser resolves a user id to a cached user.
	GetUser(userID int64) (models.User, error)

	// SetUser caches the user under its user id with AuthTTL.
	SetUser(user models.User) error

	// Flush drops all entries. Test hook.
	Flush() error
}

func storageKey(so blob.StorageObject) string {
	return storagePrefix + so.Key()
}

func userKey(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}
