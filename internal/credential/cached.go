package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultExpirySkew   = 30 * time.Second
	defaultFetchTimeout = 30 * time.Second
)

// Cached memoizes another provider. A held credential is reused until its
// TTL or its own expiry (minus skew) passes. Concurrent misses share one
// underlying fetch.
type Cached struct {
	source       Provider
	ttl          time.Duration
	skew         time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	cred      Credential
	fetchedAt time.Time
	held      bool
	// bumped by Invalidate; a fetch started under an older generation is
	// not stored
	generation uint64
}

type CachedOption func(*Cached)

func WithExpirySkew(d time.Duration) CachedOption {
	return func(c *Cached) { c.skew = d }
}

func WithClock(now func() time.Time) CachedOption {
	return func(c *Cached) { c.now = now }
}

func WithFetchTimeout(d time.Duration) CachedOption {
	return func(c *Cached) { c.fetchTimeout = d }
}

func NewCached(source Provider, ttl time.Duration, opts ...CachedOption) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &Cached{
		source:       source,
		ttl:          ttl,
		skew:         defaultExpirySkew,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cached) Name() string { return "cached(" + c.source.Name() + ")" }

func (c *Cached) Acquire(ctx context.Context) (Credential, error) {
	if cred, ok := c.fresh(); ok {
		return cred, nil
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		// a flight that finished between fresh() and DoChan already refreshed
		if cred, ok := c.fresh(); ok {
			return cred, nil
		}
		gen := c.currentGeneration()
		// shared by every waiter, so detached from the starting caller
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		cred, err := c.source.Acquire(fetchCtx)
		if err != nil {
			return Credential{}, err
		}
		if !c.store(cred, gen) {
			slog.Debug("credential invalidated during refresh, not cached", "provider", c.source.Name())
			return cred, nil
		}
		slog.Debug("credential refreshed", "provider", c.source.Name(), "expires_at", cred.ExpiresAt)
		return cred, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// Invalidate drops the held credential so the next Acquire refetches. A
// refresh already in flight is not cached, and later callers start a new one.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.held = false
	c.cred = Credential{}
	c.generation++
	c.mu.Unlock()
	c.group.Forget("refresh")
}

func (c *Cached) Close() error {
	return Close(c.source)
}

func (c *Cached) currentGeneration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Cached) fresh() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.held {
		return Credential{}, false
	}
	now := c.now()
	if !now.Before(c.fetchedAt.Add(c.ttl)) {
		return Credential{}, false
	}
	if !c.cred.ExpiresAt.IsZero() && !now.Before(c.cred.ExpiresAt.Add(-c.skew)) {
		return Credential{}, false
	}
	return c.cred, true
}

func (c *Cached) store(cred Credential, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.cred = cred
	c.fetchedAt = c.now()
	c.held = true
	return true
}

// Invalidator is implemented by providers holding state that a backend
// rejection (401/403) should discard.
type Invalidator interface {
	Invalidate()
}
