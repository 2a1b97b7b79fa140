package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client used to read shared tokens.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// Redis reads a token that another process keeps fresh under a shared key.
// The key's remaining TTL becomes the expiry hint.
type Redis struct {
	rdb RedisClient
	key string
	now func() time.Time
}

func NewRedis(rdb RedisClient, key string) *Redis {
	return &Redis{rdb: rdb, key: key, now: time.Now}
}

func (r *Redis) Name() string { return "redis:" + r.key }

func (r *Redis) Acquire(ctx context.Context) (Credential, error) {
	token, err := r.rdb.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Credential{}, fmt.Errorf("redis key %s not found: %w", r.key, ErrNoCredential)
		}
		return Credential{}, fmt.Errorf("failed to read redis key %s: %w", r.key, err)
	}
	if token == "" {
		return Credential{}, fmt.Errorf("redis key %s is empty: %w", r.key, ErrNoCredential)
	}

	cred := Credential{Token: token}
	// -1 (no expiry) and -2 (gone) are not hints
	if ttl, err := r.rdb.PTTL(ctx, r.key).Result(); err == nil && ttl > 0 {
		cred.ExpiresAt = r.now().Add(ttl)
	}
	return cred, nil
}
