package runtime

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// CachedRuntime wraps a Runtime and keeps Stats samples for a short TTL, so
// the fleet view and the metrics collector do not both hit the engine for the
// same container within a few seconds. Lifecycle calls drop the entry for the
// container they touch.
type CachedRuntime struct {
	Runtime
	cache *ristretto.Cache[string, Stats]
	ttl   time.Duration
}

// WithStatsCache returns rt wrapped with a stats cache. A ttl of zero or less
// returns rt unchanged.
func WithStatsCache(rt Runtime, ttl time.Duration) (Runtime, error) {
	if ttl <= 0 {
		return rt, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, Stats]{
		NumCounters:        10_000,
		MaxCost:            1_000, // entries, each costs 1
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &CachedRuntime{Runtime: rt, cache: c, ttl: ttl}, nil
}

// Stats returns a cached sample when one is fresh, otherwise samples the
// underlying runtime. Errors are not cached.
func (c *CachedRuntime) Stats(ctx context.Context, name string) (Stats, error) {
	if s, ok := c.cache.Get(name); ok {
		return s, nil
	}
	s, err := c.Runtime.Stats(ctx, name)
	if err != nil {
		return Stats{}, err
	}
	c.cache.SetWithTTL(name, s, 1, c.ttl)
	c.cache.Wait()
	return s, nil
}

func (c *CachedRuntime) Start(ctx context.Context, name string) error {
	defer c.cache.Del(name)
	return c.Runtime.Start(ctx, name)
}

func (c *CachedRuntime) Stop(ctx context.Context, name string) error {
	defer c.cache.Del(name)
	return c.Runtime.Stop(ctx, name)
}

func (c *CachedRuntime) Restart(ctx context.Context, name string) error {
	defer c.cache.Del(name)
	return c.Runtime.Restart(ctx, name)
}

func (c *CachedRuntime) Remove(ctx context.Context, name string) error {
	defer c.cache.Del(name)
	return c.Runtime.Remove(ctx, name)
}

func (c *CachedRuntime) UpdateResources(ctx context.Context, name, memLimit string, cpuLimit float64) error {
	defer c.cache.Del(name)
	return c.Runtime.UpdateResources(ctx, name, memLimit, cpuLimit)
}

// Close releases the cache.
func (c *CachedRuntime) Close() {
	c.cache.Close()
}
