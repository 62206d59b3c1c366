package cache

import (
	"sync"
	"time"

	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/models"
)

// Memory is a process-local Cache for single-node deployments and tests.
type Memory struct {
	mu      sync.RWMutex
	storage map[string]storageEntry
	users   map[string]userEntry
}

type storageEntry struct {
	etag string
	size int64
}

type userEntry struct {
	user    models.User
	expires time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		storage: make(map[string]storageEntry),
		users:   make(map[string]userEntry),
	}
}

func (m *Memory) GetStorage(so blob.StorageObject) (blob.StorageObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.storage[storageKey(so)]
	if !ok {
		return so, ErrNotFound
	}
	so.ETag = entry.etag
	so.Size = entry.size
	return so, nil
}

func (m *Memory) SetStorage(so blob.StorageObject) error {
	if so.ETag == "" || so.Size < 0 {
		return ErrIncomplete
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage[storageKey(so)] = storageEntry{etag: so.ETag, size: so.Size}
	return nil
}

func (m *Memory) DeleteStorage(so blob.StorageObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.storage, storageKey(so))
	return nil
}

func (m *Memory) getUser(key string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.users[key]
	if !ok || time.Now().After(entry.expires) {
		return models.User{}, ErrNotFound
	}
	return entry.user, nil
}

func (m *Memory) setUser(key string, user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[key] = userEntry{user: user, expires: time.Now().Add(AuthTTL)}
}

func (m *Memory) GetAuth(token string) (models.User, error) {
	return m.getUser(token)
}

func (m *Memory) SetAuth(token string, user models.User) error {
	m.setUser(token, user)
	m.setUser(userKey(user.UserID), user)
	return nil
}

func (m *Memory) GetUser(userID int64) (models.User, error) {
	return m.getUser(userKey(userID))
}

func (m *Memory) SetUser(user models.User) error {
	m.setUser(userKey(user.UserID), user)
	return nil
}

func (m *Memory) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage = make(map[string]storageEntry)
	m.users = make(map[string]userEntry)
	return nil
}

var _ Cache = (*Memory)(nil)
