package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type backend interface {
	CanAccessTask(ctx context.Context, userID, taskID string) (bool, error)
}

const (
	accessGranted = "1"
	accessDenied  = "0"
)

// Cache wraps the access projection with Redis-backed decisions. Denials
// expire sooner so a freshly granted member is not locked out for long.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	negTTL time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		base:   base,
		redis:  client,
		ttl:    ttl,
		negTTL: ttl / 4,
	}
}

func (c *Cache) CanAccessTask(ctx context.Context, userID, taskID string) (bool, error) {
	if ok, hit := c.load(ctx, userID, taskID); hit {
		return ok, nil
	}

	ok, err := c.base.CanAccessTask(ctx, userID, taskID)
	if err != nil {
		return false, err
	}

	c.store(ctx, userID, taskID, ok)
	return ok, nil
}

// Forget drops a cached decision, e.g. after membership changed.
func (c *Cache) Forget(ctx context.Context, userID, taskID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, accessCacheKey(taskID, userID)).Err()
}

func (c *Cache) load(ctx context.Context, userID, taskID string) (bool, bool) {
	if c.redis == nil {
		return false, false
	}
	val, err := c.redis.Get(ctx, accessCacheKey(taskID, userID)).Result()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, accessCacheKey(taskID, userID)).Err()
		}
		return false, false
	}
	switch val {
	case accessGranted:
		return true, true
	case accessDenied:
		return false, true
	}
	_ = c.redis.Del(ctx, accessCacheKey(taskID, userID)).Err()
	return false, false
}

func (c *Cache) store(ctx context.Context, userID, taskID string, ok bool) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	val, ttl := accessGranted, c.ttl
	if !ok {
		val, ttl = accessDenied, c.negTTL
	}
	if ttl <= 0 {
		return
	}
	_ = c.redis.Set(ctx, accessCacheKey(taskID, userID), val, ttl).Err()
}

// accessCacheKey length-prefixes the task id so ids containing the
// separator cannot collide.
func accessCacheKey(taskID, userID string) string {
	return "access:" + strconv.Itoa(len(taskID)) + ":" + taskID + ":" + userID
}
