// Package session manages the lifecycle of agent sessions: issue, validate,
// heartbeat, invalidate, and background sweep.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Identity is the result of a successful credential validation.
type Identity struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

// RedisCache is a read-through cache for credential validation keyed by
// credential hash. It only ever caches positive results, and entries are
// purged whenever the underlying session is deactivated or evicted, so a
// cached identity can never outlive its session by more than the entry TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "credential:"}, nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "credential:"}
}

func (c *RedisCache) key(credentialHash string) string {
	return c.prefix + credentialHash
}

func (c *RedisCache) SaveIdentity(ctx context.Context, credentialHash string, identity Identity, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	jsonData, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := c.client.Set(ctx, c.key(credentialHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (c *RedisCache) LookupIdentity(ctx context.Context, credentialHash string) (Identity, bool, error) {
	jsonData, err := c.client.Get(ctx, c.key(credentialHash)).Result()
	if err == redis.Nil {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("lookup identity: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal([]byte(jsonData), &identity); err != nil {
		return Identity{}, false, fmt.Errorf("unmarshal identity: %w", err)
	}
	return identity, true, nil
}

func (c *RedisCache) RevokeIdentity(ctx context.Context, credentialHash string) error {
	if err := c.client.Del(ctx, c.key(credentialHash)).Err(); err != nil {
		return fmt.Errorf("revoke identity: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
