package tenant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a Store with a Redis read-through cache. Tenant
// config is read-mostly and shared by every connecting session, so a
// short TTL keeps the backing store off the connect path.
//
// Cache failures fall through to the inner store; a broken cache never
// rejects a connection.
type CachedStore struct {
	inner  Store
	client *redis.Client
	ttl    time.Duration
}

const cacheKeyPrefix = "tenantcfg:"

// NewCachedStore wraps inner with a Redis cache. A non-positive ttl
// defaults to 5 minutes.
func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{inner: inner, client: client, ttl: ttl}
}

func (c *CachedStore) GetConfig(ctx context.Context, sessionToken string) (*Record, error) {
	key := cacheKeyPrefix + sessionToken

	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var rec Record
		if err := json.Unmarshal(data, &rec); err == nil {
			return &rec, nil
		}
	}

	rec, err := c.inner.GetConfig(ctx, sessionToken)
	if err != nil || rec == nil {
		return rec, err
	}

	if data, err := json.Marshal(rec); err == nil {
		_ = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	return rec, nil
}
