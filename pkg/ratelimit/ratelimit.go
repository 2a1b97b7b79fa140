package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a token-per-minute budget shared across proxy instances through
// Redis, keyed by route.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tpm int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tpm)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow spends tokens from the route's budget and reports whether the call
// may proceed.
func (l *Limiter) Allow(ctx context.Context, route string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(route), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, route string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(route))
}

func key(route string) string {
	return fmt.Sprintf("ratelimit:route:%s", route)
}
