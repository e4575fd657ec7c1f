// Package shardrouter implements the C5 front-door: it locates the
// correct limiter shard for a customer (with an EU jurisdiction split),
// maintains two isolate-local caches bounded by hashicorp/golang-lru/v2
// (a deny-only denial cache and a TTL-bounded idempotent-report cache),
// and forwards calls to the shard. It never converts an allowed response
// into a cached deny - the denial cache is deny-only by design.
package shardrouter

import (
	"context"
	"time"

	"github.com/flexprice/usagelimiter/internal/config"
	"github.com/flexprice/usagelimiter/internal/entitlementcache"
	"github.com/flexprice/usagelimiter/internal/idempotency"
	"github.com/flexprice/usagelimiter/internal/limiter"
	"github.com/flexprice/usagelimiter/internal/logger"
	lru "github.com/hashicorp/golang-lru/v2"
)

// JurisdictionResolver decides, as a pure function of customer id, whether
// a customer's traffic must be routed through the EU sub-namespace. The
// decision is cached at customer creation time upstream; the router only
// consults it, it never computes country from a live request.
type JurisdictionResolver interface {
	IsEU(customerID string) bool
}

// staticJurisdiction is the resolver New uses when none is supplied, in
// any environment; it never routes a customer to the EU registry.
type staticJurisdiction struct{}

func (staticJurisdiction) IsEU(string) bool { return false }

type cachedReport struct {
	resp     limiter.ReportResponse
	cachedAt time.Time
}

// Router is the stateless-per-request front door. Its two maps
// (hashCache, idempotency cache) are scoped to this process's lifetime:
// write-through, last-write-wins, with no cross-process invalidation.
type Router struct {
	cfg          *config.Configuration
	log          *logger.Logger
	registry     *limiter.Registry
	euRegistry   *limiter.Registry
	jurisdiction JurisdictionResolver
	cache        *entitlementcache.Cache

	hashCache  *lru.Cache[string, limiter.VerifyResponse]
	idempotent *lru.Cache[string, cachedReport]
}

// New builds a Router. euRegistry may be nil when EU jurisdiction
// splitting is disabled.
func New(cfg *config.Configuration, log *logger.Logger, registry, euRegistry *limiter.Registry, cache *entitlementcache.Cache, jurisdiction JurisdictionResolver) (*Router, error) {
	if jurisdiction == nil {
		jurisdiction = staticJurisdiction{}
	}

	hashCache, err := lru.New[string, limiter.VerifyResponse](cfg.Router.HashCacheCapacity)
	if err != nil {
		return nil, err
	}
	idempotent, err := lru.New[string, cachedReport](cfg.Router.HashCacheCapacity)
	if err != nil {
		return nil, err
	}

	return &Router{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		euRegistry:   euRegistry,
		jurisdiction: jurisdiction,
		cache:        cache,
		hashCache:    hashCache,
		idempotent:   idempotent,
	}, nil
}

func (r *Router) shardFor(customerID string) (*limiter.Actor, error) {
	registry := r.registry
	if r.cfg.Router.EUJurisdiction && r.euRegistry != nil && r.jurisdiction.IsEU(customerID) {
		registry = r.euRegistry
	}
	return registry.Get(customerID)
}

// Shard exposes the resolved actor for a customer so the debug stream
// handler can subscribe directly to its broadcasts.
func (r *Router) Shard(customerID string) (*limiter.Actor, error) {
	return r.shardFor(customerID)
}

// Verify consults the deny-only hashCache before dispatching to the
// shard. A cached allow is never served; only denials are memoized.
func (r *Router) Verify(ctx context.Context, req limiter.VerifyRequest) (limiter.VerifyResponse, error) {
	key := idempotency.DenialCacheKey(req.ProjectID, req.CustomerID, req.FeatureSlug)

	if cached, ok := r.hashCache.Get(key); ok {
		cached.CacheHit = true
		return cached, nil
	}

	actor, err := r.shardFor(req.CustomerID)
	if err != nil {
		return limiter.VerifyResponse{}, err
	}

	resp, err := actor.Verify(ctx, req)
	if err != nil {
		return resp, err
	}

	if !resp.Allowed {
		r.hashCache.Add(key, resp)
	}

	return resp, nil
}

// Report consults the idempotent-report cache before dispatching to the
// shard, so a client retry with the same idempotence key short-circuits
// the shard call entirely.
func (r *Router) Report(ctx context.Context, req limiter.ReportRequest) (limiter.ReportResponse, error) {
	key := idempotency.ReportCacheKey(req.ProjectID, req.CustomerID, req.FeatureSlug, req.IdempotenceKey, req.Timestamp, r.cfg.Deployment.Environment.IsProduction())

	if cached, ok := r.idempotent.Get(key); ok {
		if time.Since(cached.cachedAt) <= r.cfg.Router.IdempotencyTTL {
			resp := cached.resp
			resp.CacheHit = true
			return resp, nil
		}
		r.idempotent.Remove(key)
	}

	actor, err := r.shardFor(req.CustomerID)
	if err != nil {
		return limiter.ReportResponse{}, err
	}

	resp, err := actor.Report(ctx, req)
	if err != nil {
		return resp, err
	}

	r.idempotent.Add(key, cachedReport{resp: resp, cachedAt: time.Now()})

	return resp, nil
}

// Prewarm forwards to the resolved shard's prewarm.
func (r *Router) Prewarm(ctx context.Context, customerID, projectID string, now time.Time) error {
	actor, err := r.shardFor(customerID)
	if err != nil {
		return err
	}
	return actor.Prewarm(ctx, projectID, now.UnixMilli())
}

// Reset forwards to the resolved shard's reset and invalidates the C7
// cache entries for every feature slug the shard reports, so a stale
// read-through entry can't survive a customer wipe.
func (r *Router) Reset(ctx context.Context, customerID, projectID string) (limiter.ResetResult, error) {
	actor, err := r.shardFor(customerID)
	if err != nil {
		return limiter.ResetResult{}, err
	}

	result, err := actor.Reset(ctx)
	if err != nil {
		return result, err
	}

	for _, slug := range result.FeatureSlugs {
		r.cache.Invalidate(ctx, customerID, projectID, slug)
	}

	return result, nil
}
