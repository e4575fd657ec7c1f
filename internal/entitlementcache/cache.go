// Package entitlementcache is the C7 read-through cache fronting the
// primary-DB entitlement lookup (customerservice.EntitlementSource). It
// adapts internal/cache's patrickmn/go-cache wrapper with a freshness TTL
// and golang.org/x/sync/singleflight request collapsing, so concurrent
// cold-start misses for the same key never issue more than one upstream
// call. A stale entry is refetched synchronously on read; it is served only
// when that refetch fails, and no background revalidation takes place.
package entitlementcache

import (
	"context"
	"time"

	"github.com/flexprice/usagelimiter/internal/cache"
	"github.com/flexprice/usagelimiter/internal/customerservice"
	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"golang.org/x/sync/singleflight"
)

// entry pairs a cached entitlement with the time it was fetched, so Get
// can decide whether it is still fresh enough to serve without a
// revalidation round-trip.
type entry struct {
	value     *entitlement.Entitlement
	fetchedAt time.Time
}

// Cache is the read-through cache in front of an EntitlementSource; it
// serves a stale entry only as a fallback when the upstream fetch fails.
type Cache struct {
	backing cache.Cache
	source  customerservice.EntitlementSource
	group   singleflight.Group
	ttl     time.Duration
}

// New builds a Cache with the given freshness TTL and backing source.
func New(backing cache.Cache, source customerservice.EntitlementSource, ttl time.Duration) *Cache {
	return &Cache{backing: backing, source: source, ttl: ttl}
}

func cacheKey(customerID, projectID, featureSlug string) string {
	return cache.GenerateKey(cache.PrefixEntitlement, projectID, customerID, featureSlug)
}

// Get returns the cached entitlement if fresh, otherwise fetches from the
// source (collapsing concurrent fetches for the same key via
// singleflight), populates the cache, and returns the fresh value. A
// stale cached value, if present, is returned as a fallback when the
// upstream fetch fails.
func (c *Cache) Get(ctx context.Context, customerID, projectID, featureSlug string) (*entitlement.Entitlement, error) {
	key := cacheKey(customerID, projectID, featureSlug)

	if raw, ok := c.backing.Get(ctx, key); ok {
		if e, ok := raw.(entry); ok && time.Since(e.fetchedAt) < c.ttl {
			return e.value, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		fresh, fetchErr := c.source.GetActiveEntitlement(ctx, customerID, projectID, featureSlug)
		if fetchErr != nil {
			return nil, fetchErr
		}
		c.backing.Set(ctx, key, entry{value: fresh, fetchedAt: time.Now()}, 0)
		return fresh, nil
	})
	if err != nil {
		if raw, ok := c.backing.Get(ctx, key); ok {
			if e, ok := raw.(entry); ok {
				return e.value, nil
			}
		}
		return nil, ierr.WithError(err).
			WithHintf("failed to resolve active entitlement for customer=%s feature=%s", customerID, featureSlug).
			Mark(ierr.ErrDatabase)
	}

	return v.(*entitlement.Entitlement), nil
}

// Invalidate removes a cached entry, used after a reset or plan change so
// the next Get re-fetches from the source.
func (c *Cache) Invalidate(ctx context.Context, customerID, projectID, featureSlug string) {
	c.backing.Delete(ctx, cacheKey(customerID, projectID, featureSlug))
}

// Put seeds the cache directly with a fresh value, used by the limiter
// shard's debounced write-back (4.4.5) so readers see a customer's latest
// counters without waiting out the freshness TTL.
func (c *Cache) Put(ctx context.Context, customerID, projectID, featureSlug string, value *entitlement.Entitlement) {
	key := cacheKey(customerID, projectID, featureSlug)
	c.backing.Set(ctx, key, entry{value: value, fetchedAt: time.Now()}, 0)
}
