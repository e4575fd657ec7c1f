package limiter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexprice/usagelimiter/internal/analyticssink"
	"github.com/flexprice/usagelimiter/internal/cache"
	"github.com/flexprice/usagelimiter/internal/config"
	"github.com/flexprice/usagelimiter/internal/customerservice"
	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
	"github.com/flexprice/usagelimiter/internal/entitlementcache"
	"github.com/flexprice/usagelimiter/internal/logger"
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAcceptingSinkServer stands in for the analytics sink, acknowledging
// every row in a batch so flush-dependent paths (like Reset) don't refuse
// on unflushed data against an unreachable endpoint.
func newAcceptingSinkServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows []map[string]any
		_ = json.NewDecoder(r.Body).Decode(&rows)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(analyticssink.IngestResult{Successful: len(rows)})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestRegistry(t *testing.T, source customerservice.EntitlementSource) *Registry {
	t.Helper()

	sinkServer := newAcceptingSinkServer(t)

	cfg := &config.Configuration{
		Deployment: config.DeploymentConfig{Environment: types.EnvironmentDevelopment},
		Limiter: config.LimiterConfig{
			TTLAnalytics: 30 * time.Second, TTLSyncUsage: time.Minute, TTLPlaceholderRevalidation: 10 * time.Second,
			DebounceDelay: 2 * time.Second, MaxFlushInterval: 5 * time.Second, BatchSize: 500,
			AlarmMinDelay: time.Second, AlarmMaxDelay: 30 * time.Minute, HibernateAfterIdle: 5 * time.Minute,
			BroadcastInterval: time.Second,
		},
		Store:     config.StoreConfig{BaseDir: t.TempDir(), MigrationsDir: "migrations"},
		Analytics: config.AnalyticsConfig{Endpoint: sinkServer.URL, Timeout: time.Second, MaxRetries: 1},
		Router:    config.RouterConfig{HashCacheCapacity: 128, IdempotencyTTL: time.Hour},
	}
	log, err := logger.NewLogger()
	require.NoError(t, err)

	sink := analyticssink.New(analyticssink.Config{BaseURL: sinkServer.URL, Timeout: time.Second}, log)
	backing := cache.NewInMemoryCache()
	ec := entitlementcache.New(backing, source, time.Minute)

	registry := NewRegistry(cfg, log, sink, ec, source)
	t.Cleanup(func() { registry.Shutdown(time.Second) })
	return registry
}

func usageEntitlement(customerID, projectID, featureSlug string, limit decimal.Decimal) *entitlement.Entitlement {
	return &entitlement.Entitlement{
		ID:          "ent-1",
		CustomerID:  customerID,
		ProjectID:   projectID,
		FeatureSlug: featureSlug,
		FeatureType: types.FeatureTypeUsage,
		LimitType:   types.LimitTypeHard,
		Limit:       &limit,
		Enabled:     true,
		ActivePhase: entitlement.ActivePhase{
			BillingAnchor:        time.Now().Add(-time.Hour),
			BillingInterval:      types.CycleIntervalMonth,
			BillingIntervalCount: 1,
		},
	}
}

func TestActor_ReportAccumulatesUsageAcrossCalls(t *testing.T) {
	source := customerservice.NewInProcess()
	source.Seed(usageEntitlement("cust-1", "proj-1", "exports", decimal.NewFromInt(10)))

	registry := newTestRegistry(t, source)
	actor, err := registry.Get("cust-1")
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := actor.Report(ctx, ReportRequest{
		CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 3, IdempotenceKey: "k1", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	assert.Equal(t, "3", *resp.Usage)

	resp, err = actor.Report(ctx, ReportRequest{
		CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 4, IdempotenceKey: "k2", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	assert.Equal(t, "7", *resp.Usage, "usage must accumulate across separate Report calls")
}

func TestActor_ReportDeniesOnceHardLimitExceeded(t *testing.T) {
	source := customerservice.NewInProcess()
	source.Seed(usageEntitlement("cust-2", "proj-1", "exports", decimal.NewFromInt(5)))

	registry := newTestRegistry(t, source)
	actor, err := registry.Get("cust-2")
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := actor.Report(ctx, ReportRequest{
		CustomerID: "cust-2", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 5, IdempotenceKey: "k1", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)

	resp, err = actor.Report(ctx, ReportRequest{
		CustomerID: "cust-2", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 1, IdempotenceKey: "k2", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.DeniedReasonLimitExceeded, resp.DeniedReason)
	assert.Equal(t, "5", *resp.Usage, "a denied report must never mutate the committed counter")
}

func TestActor_VerifyDeniesWhenEntitlementNotFound(t *testing.T) {
	source := customerservice.NewInProcess()
	registry := newTestRegistry(t, source)
	actor, err := registry.Get("cust-3")
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := actor.Verify(ctx, VerifyRequest{
		CustomerID: "cust-3", ProjectID: "proj-1", FeatureSlug: "exports",
		RequestID: "r1", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.DeniedReasonEntitlementNotFound, resp.DeniedReason)
}

// TestActor_ResetRefusesThenSucceedsAfterFlush is scenario S6: a reset
// against a shard with unflushed rows and an unreachable sink is refused
// with the pending counts; once the sink comes back, the same reset call
// flushes, finds nothing left buffered, and succeeds.
func TestActor_ResetRefusesThenSucceedsAfterFlush(t *testing.T) {
	source := customerservice.NewInProcess()
	source.Seed(usageEntitlement("cust-5", "proj-1", "exports", decimal.NewFromInt(10)))

	var sinkUp atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sinkUp.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var rows []map[string]any
		_ = json.NewDecoder(r.Body).Decode(&rows)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(analyticssink.IngestResult{Successful: len(rows)})
	}))
	t.Cleanup(server.Close)

	cfg := &config.Configuration{
		Deployment: config.DeploymentConfig{Environment: types.EnvironmentDevelopment},
		Limiter: config.LimiterConfig{
			TTLAnalytics: 30 * time.Second, TTLSyncUsage: time.Minute, TTLPlaceholderRevalidation: 10 * time.Second,
			DebounceDelay: 2 * time.Second, MaxFlushInterval: 5 * time.Second, BatchSize: 500,
			AlarmMinDelay: time.Second, AlarmMaxDelay: 30 * time.Minute, HibernateAfterIdle: 5 * time.Minute,
			BroadcastInterval: time.Second,
		},
		Store:     config.StoreConfig{BaseDir: t.TempDir(), MigrationsDir: "migrations"},
		Analytics: config.AnalyticsConfig{Endpoint: server.URL, Timeout: time.Second, MaxRetries: 1},
		Router:    config.RouterConfig{HashCacheCapacity: 128, IdempotencyTTL: time.Hour},
	}
	log, err := logger.NewLogger()
	require.NoError(t, err)

	sink := analyticssink.New(analyticssink.Config{BaseURL: server.URL, Timeout: time.Second}, log)
	backing := cache.NewInMemoryCache()
	ec := entitlementcache.New(backing, source, time.Minute)
	registry := NewRegistry(cfg, log, sink, ec, source)
	t.Cleanup(func() { registry.Shutdown(time.Second) })

	actor, err := registry.Get("cust-5")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = actor.Report(ctx, ReportRequest{
		CustomerID: "cust-5", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 3, IdempotenceKey: "k1", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	sinkUp.Store(false)
	_, err = actor.Reset(ctx)
	require.Error(t, err, "reset must refuse while rows remain unflushed")

	sinkUp.Store(true)
	result, err := actor.Reset(ctx)
	require.NoError(t, err, "reset must succeed once the flush drains the buffered rows")
	assert.Contains(t, result.FeatureSlugs, "exports")
}

func flatEntitlement(customerID, projectID, featureSlug string) *entitlement.Entitlement {
	return &entitlement.Entitlement{
		ID:          "ent-flat",
		CustomerID:  customerID,
		ProjectID:   projectID,
		FeatureSlug: featureSlug,
		FeatureType: types.FeatureTypeFlat,
		LimitType:   types.LimitTypeNone,
		Enabled:     true,
		ActivePhase: entitlement.ActivePhase{
			BillingAnchor:        time.Now().Add(-time.Hour),
			BillingInterval:      types.CycleIntervalMonth,
			BillingIntervalCount: 1,
		},
	}
}

// TestActor_ReportOnFlatFeatureNeverConsumesQuota is scenario S3: a flat
// feature's Report is accepted but never moves the usage counter.
func TestActor_ReportOnFlatFeatureNeverConsumesQuota(t *testing.T) {
	source := customerservice.NewInProcess()
	source.Seed(flatEntitlement("cust-6", "proj-1", "sso"))

	registry := newTestRegistry(t, source)
	actor, err := registry.Get("cust-6")
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := actor.Report(ctx, ReportRequest{
		CustomerID: "cust-6", ProjectID: "proj-1", FeatureSlug: "sso",
		Usage: 7, IdempotenceKey: "k1", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	assert.Equal(t, "0", *resp.Usage, "a flat feature never accumulates usage")

	verifyResp, err := actor.Verify(ctx, VerifyRequest{
		CustomerID: "cust-6", ProjectID: "proj-1", FeatureSlug: "sso",
		RequestID: "r1", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	assert.True(t, verifyResp.Allowed)
}

// TestActor_ReportRollsOverAtCycleBoundary is scenario S4: a Report that
// lands in the next cycle window starts that window's counter fresh
// instead of carrying over the previous window's accumulated usage.
func TestActor_ReportRollsOverAtCycleBoundary(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e := usageEntitlement("cust-7", "proj-1", "exports", decimal.NewFromInt(1000))
	e.ActivePhase.BillingAnchor = anchor
	e.ActivePhase.BillingInterval = types.CycleIntervalMinute
	e.ActivePhase.BillingIntervalCount = 1

	source := customerservice.NewInProcess()
	source.Seed(e)

	registry := newTestRegistry(t, source)
	actor, err := registry.Get("cust-7")
	require.NoError(t, err)
	ctx := context.Background()

	withinFirstCycle := anchor.Add(59 * time.Second)
	resp, err := actor.Report(ctx, ReportRequest{
		CustomerID: "cust-7", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 3, IdempotenceKey: "k1", Timestamp: withinFirstCycle.UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	assert.Equal(t, "3", *resp.Usage)

	nextCycle := anchor.Add(61 * time.Second)
	resp, err = actor.Report(ctx, ReportRequest{
		CustomerID: "cust-7", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 4, IdempotenceKey: "k2", Timestamp: nextCycle.UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	assert.Equal(t, "4", *resp.Usage, "usage must start fresh in the new cycle window, not carry over")
}

// TestActor_IdempotentReportDedupesOnlyAtTheSink is invariant 5: two
// Reports with the same idempotence key are both committed to the
// shard's local store, but the analytics sink only ever observes one of
// them once the batch flushes, because production dedup keys on
// idempotence key alone.
func TestActor_IdempotentReportDedupesOnlyAtTheSink(t *testing.T) {
	source := customerservice.NewInProcess()
	source.Seed(usageEntitlement("cust-8", "proj-1", "exports", decimal.NewFromInt(1000)))

	var receivedRows atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows []map[string]any
		_ = json.NewDecoder(r.Body).Decode(&rows)
		receivedRows.Add(int32(len(rows)))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(analyticssink.IngestResult{Successful: len(rows)})
	}))
	t.Cleanup(server.Close)

	cfg := &config.Configuration{
		Deployment: config.DeploymentConfig{Environment: types.EnvironmentProduction},
		Limiter: config.LimiterConfig{
			TTLAnalytics: 30 * time.Second, TTLSyncUsage: time.Minute, TTLPlaceholderRevalidation: 10 * time.Second,
			DebounceDelay: 2 * time.Second, MaxFlushInterval: 5 * time.Second, BatchSize: 500,
			AlarmMinDelay: time.Second, AlarmMaxDelay: 30 * time.Minute, HibernateAfterIdle: 5 * time.Minute,
			BroadcastInterval: time.Second,
		},
		Store:     config.StoreConfig{BaseDir: t.TempDir(), MigrationsDir: "migrations"},
		Analytics: config.AnalyticsConfig{Endpoint: server.URL, Timeout: time.Second, MaxRetries: 1},
		Router:    config.RouterConfig{HashCacheCapacity: 128, IdempotencyTTL: time.Hour},
	}
	log, err := logger.NewLogger()
	require.NoError(t, err)

	sink := analyticssink.New(analyticssink.Config{BaseURL: server.URL, Timeout: time.Second, IsProduction: true}, log)
	backing := cache.NewInMemoryCache()
	ec := entitlementcache.New(backing, source, time.Minute)
	registry := NewRegistry(cfg, log, sink, ec, source)
	t.Cleanup(func() { registry.Shutdown(time.Second) })

	actor, err := registry.Get("cust-8")
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := actor.Report(ctx, ReportRequest{
			CustomerID: "cust-8", ProjectID: "proj-1", FeatureSlug: "exports",
			Usage: 1, IdempotenceKey: "same-key", Timestamp: time.Now().UnixMilli(),
		})
		require.NoError(t, err)
		require.True(t, resp.Allowed)
	}

	_, err = actor.Reset(ctx)
	require.NoError(t, err, "both rows must have been accounted for by the sink before reset can proceed")
	assert.EqualValues(t, 1, receivedRows.Load(), "the sink must see only one of the two identically-keyed rows")
}

// TestActor_StaleEntitlementTriggersBackgroundRefreshWithoutBlocking covers
// the resolve.go §9 path: once the cached entitlement's cycle window has
// rolled over, Verify must answer immediately from the stale copy (never
// block on the primary-DB round trip) while a background refresh commits
// the fresh copy asynchronously through the mailbox. This exercises
// triggerBackgroundRefresh/fetchEntitlement/commitRevalidation together,
// including the refreshDone delivery back through handle().
func TestActor_StaleEntitlementTriggersBackgroundRefreshWithoutBlocking(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e := usageEntitlement("cust-9", "proj-1", "exports", decimal.NewFromInt(100))
	e.ActivePhase.BillingAnchor = anchor
	e.ActivePhase.BillingInterval = types.CycleIntervalMinute
	e.ActivePhase.BillingIntervalCount = 1

	source := customerservice.NewInProcess()
	source.Seed(e)

	sinkServer := newAcceptingSinkServer(t)
	cfg := &config.Configuration{
		Deployment: config.DeploymentConfig{Environment: types.EnvironmentDevelopment},
		Limiter: config.LimiterConfig{
			TTLAnalytics: 30 * time.Second, TTLSyncUsage: time.Minute, TTLPlaceholderRevalidation: 10 * time.Second,
			DebounceDelay: 2 * time.Second, MaxFlushInterval: 5 * time.Second, BatchSize: 500,
			AlarmMinDelay: time.Second, AlarmMaxDelay: 30 * time.Minute, HibernateAfterIdle: 5 * time.Minute,
			BroadcastInterval: time.Second,
		},
		Store:     config.StoreConfig{BaseDir: t.TempDir(), MigrationsDir: "migrations"},
		Analytics: config.AnalyticsConfig{Endpoint: sinkServer.URL, Timeout: time.Second, MaxRetries: 1},
		Router:    config.RouterConfig{HashCacheCapacity: 128, IdempotencyTTL: time.Hour},
	}
	log, err := logger.NewLogger()
	require.NoError(t, err)

	sink := analyticssink.New(analyticssink.Config{BaseURL: sinkServer.URL, Timeout: time.Second}, log)
	backing := cache.NewInMemoryCache()
	// A near-zero freshness TTL means the background refresh's cache.Get
	// always reaches back to the source instead of replaying what's already
	// cached, so the test can observe the source-side plan change land.
	ec := entitlementcache.New(backing, source, time.Nanosecond)
	registry := NewRegistry(cfg, log, sink, ec, source)
	t.Cleanup(func() { registry.Shutdown(time.Second) })

	actor, err := registry.Get("cust-9")
	require.NoError(t, err)
	ctx := context.Background()

	withinFirstCycle := anchor.Add(30 * time.Second)
	resp, err := actor.Verify(ctx, VerifyRequest{
		CustomerID: "cust-9", ProjectID: "proj-1", FeatureSlug: "exports",
		RequestID: "r1", Timestamp: withinFirstCycle.UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	require.Equal(t, "100", *resp.Limit)

	// Simulate a plan change upstream: the next fetch from the source
	// should see a raised limit.
	raised := usageEntitlement("cust-9", "proj-1", "exports", decimal.NewFromInt(500))
	raised.ActivePhase = e.ActivePhase
	source.Seed(raised)

	nextCycle := anchor.Add(90 * time.Second)
	resp, err = actor.Verify(ctx, VerifyRequest{
		CustomerID: "cust-9", ProjectID: "proj-1", FeatureSlug: "exports",
		RequestID: "r2", Timestamp: nextCycle.UnixMilli(),
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	assert.Equal(t, "100", *resp.Limit, "a rolled-over cycle must still answer from the stale in-memory copy immediately")

	require.Eventually(t, func() bool {
		resp, err := actor.Verify(ctx, VerifyRequest{
			CustomerID: "cust-9", ProjectID: "proj-1", FeatureSlug: "exports",
			RequestID: "r3", Timestamp: nextCycle.UnixMilli(),
		})
		return err == nil && resp.Limit != nil && *resp.Limit == "500"
	}, 2*time.Second, 5*time.Millisecond, "background refresh must eventually commit the raised limit through the mailbox")
}

func TestActor_ResetWipesAccumulatedUsage(t *testing.T) {
	source := customerservice.NewInProcess()
	source.Seed(usageEntitlement("cust-4", "proj-1", "exports", decimal.NewFromInt(10)))

	registry := newTestRegistry(t, source)
	actor, err := registry.Get("cust-4")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = actor.Report(ctx, ReportRequest{
		CustomerID: "cust-4", ProjectID: "proj-1", FeatureSlug: "exports",
		Usage: 3, IdempotenceKey: "k1", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	result, err := actor.Reset(ctx)
	require.NoError(t, err)
	assert.Contains(t, result.FeatureSlugs, "exports")

	resp, err := actor.Verify(ctx, VerifyRequest{
		CustomerID: "cust-4", ProjectID: "proj-1", FeatureSlug: "exports",
		RequestID: "r2", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "0", *resp.Usage, "usage must read back as zero after a reset")
}
