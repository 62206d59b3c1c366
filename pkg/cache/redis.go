package cache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/models"
)

// NewRedisPool builds a redigo connection pool for the cache and the pub/sub
// bus. Connections are health-checked with PING before reuse.
func NewRedisPool(address, username, password string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     50,
		MaxActive:   1000,
		IdleTimeout: 240 * time.Second,

		Dial: func() (redis.Conn, error) {
			switch {
			case username != "":
				return redis.Dial("tcp", address,
					redis.DialUsername(username),
					redis.DialPassword(password),
				)
			case password != "":
				return redis.Dial("tcp", address,
					redis.DialPassword(password),
				)
			default:
				return redis.Dial("tcp", address)
			}
		},

		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

// Redis is a Cache backed by a shared redis instance. Entries are hashes;
// user entries expire server-side after AuthTTL.
type Redis struct {
	pool *redis.Pool
}

// NewRedis creates a redis-backed cache on top of an existing pool.
func NewRedis(pool *redis.Pool) *Redis {
	return &Redis{pool: pool}
}

func (r *Redis) GetStorage(so blob.StorageObject) (blob.StorageObject, error) {
	conn := r.pool.Get()
	defer conn.Close()

	values, err := redis.Strings(conn.Do("HMGET", storageKey(so), "etag", "size"))
	if err != nil {
		if err == redis.ErrNil {
			return so, ErrNotFound
		}
		return so, fmt.Errorf("cache: redis HMGET: %w", err)
	}
	if values[0] == "" || values[1] == "" {
		return so, ErrNotFound
	}

	size, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		return so, fmt.Errorf("cache: corrupt size for %q: %w", storageKey(so), err)
	}
	so.ETag = values[0]
	so.Size = size
	return so, nil
}

func (r *Redis) SetStorage(so blob.StorageObject) error {
	if so.ETag == "" || so.Size < 0 {
		return ErrIncomplete
	}

	conn := r.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HSET", storageKey(so), "etag", so.ETag, "size", so.Size)
	if err != nil {
		return fmt.Errorf("cache: redis HSET: %w", err)
	}
	return nil
}

func (r *Redis) DeleteStorage(so blob.StorageObject) error {
	conn := r.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("DEL", storageKey(so)); err != nil {
		return fmt.Errorf("cache: redis DEL: %w", err)
	}
	return nil
}

func (r *Redis) setUser(conn redis.Conn, key string, user models.User) error {
	active := "0"
	if user.IsActive {
		active = "1"
	}
	if _, err := conn.Do("HSET", key,
		"user_id", user.UserID,
		"is_active", active,
		"quota", user.Quota,
		"traffic_quota", user.TrafficQuota,
	); err != nil {
		return fmt.Errorf("cache: redis HSET: %w", err)
	}
	if _, err := conn.Do("EXPIRE", key, int(AuthTTL.Seconds())); err != nil {
		return fmt.Errorf("cache: redis EXPIRE: %w", err)
	}
	return nil
}

func (r *Redis) getUser(key string) (models.User, error) {
	conn := r.pool.Get()
	defer conn.Close()

	values, err := redis.Strings(conn.Do("HMGET", key, "user_id", "is_active", "quota", "traffic_quota"))
	if err != nil {
		if err == redis.ErrNil {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("cache: redis HMGET: %w", err)
	}
	for _, v := range values {
		if v == "" {
			return models.User{}, ErrNotFound
		}
	}

	userID, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return models.User{}, fmt.Errorf("cache: corrupt user entry %q: %w", key, err)
	}
	quota, err := strconv.ParseInt(values[2], 10, 64)
	if err != nil {
		return models.User{}, fmt.Errorf("cache: corrupt user entry %q: %w", key, err)
	}
	trafficQuota, err := strconv.ParseInt(values[3], 10, 64)
	if err != nil {
		return models.User{}, fmt.Errorf("cache: corrupt user entry %q: %w", key, err)
	}

	return models.User{
		UserID:       userID,
		IsActive:     values[1] == "1",
		Quota:        quota,
		TrafficQuota: trafficQuota,
	}, nil
}

func (r *Redis) GetAuth(token string) (models.User, error) {
	return r.getUser(token)
}

func (r *Redis) SetAuth(token string, user models.User) error {
	conn := r.pool.Get()
	defer conn.Close()

	if err := r.setUser(conn, token, user); err != nil {
		return err
	}
	return r.setUser(conn, userKey(user.UserID), user)
}

func (r *Redis) GetUser(userID int64) (models.User, error) {
	return r.getUser(userKey(userID))
}

func (r *Redis) SetUser(user models.User) error {
	conn := r.pool.Get()
	defer conn.Close()
	return r.setUser(conn, userKey(user.UserID), user)
}

func (r *Redis) Flush() error {
	conn := r.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("FLUSHDB"); err != nil {
		return fmt.Errorf("cache: redis FLUSHDB: %w", err)
	}
	return nil
}

var _ Cache = (*Redis)(nil)
