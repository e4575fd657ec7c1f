package limiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
	ierr "github.com/flexprice/usagelimiter/internal/errors"
)

const configKey = "config"

// shardConfig is the persisted KV row named "config" in the spec's data
// model: colo and the last DB reconciliation time.
type shardConfig struct {
	Colo            string    `json:"colo"`
	LastSyncUsageAt time.Time `json:"last_sync_usage_at"`
}

// ensureInitialized loads config and hydrates featuresUsage from the store
// (migrations already ran when the registry opened the store). It is idempotent: once a.initialized is
// true it is a no-op. Called at the top of every external operation, it
// serializes with the rest of the single-threaded actor loop for free -
// there is nothing else running concurrently inside this goroutine.
func (a *Actor) ensureInitialized(ctx context.Context) error {
	if a.initialized {
		return nil
	}

	if err := a.hydrate(ctx); err != nil {
		// On any exception, clear in-memory state, mark uninitialized, and
		// delete the config key so the next call retries from a clean slate.
		a.featuresUsage = make(map[string]*entitlement.Entitlement)
		a.initialized = false
		_ = a.store.Delete(ctx, configKey)
		return ierr.WithError(err).
			WithHintf("failed to initialize shard for customer %s", a.customerID).
			Mark(ierr.ErrSystem)
	}

	if a.colo == "" {
		a.colo = probeColo()
		cfg := shardConfig{Colo: a.colo, LastSyncUsageAt: a.lastSyncUsageAt}
		raw, _ := json.Marshal(cfg)
		if err := a.store.Put(ctx, configKey, string(raw)); err != nil {
			return ierr.WithError(err).WithHint("failed to persist shard config").Mark(ierr.ErrDatabase)
		}
	}

	a.initialized = true
	return nil
}

func (a *Actor) hydrate(ctx context.Context) error {
	raw, ok, err := a.store.Get(ctx, configKey)
	if err != nil {
		return err
	}
	if ok {
		var cfg shardConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return err
		}
		a.colo = cfg.Colo
		a.lastSyncUsageAt = cfg.LastSyncUsageAt
	}

	entries, err := a.store.List(ctx, "entitlement:")
	if err != nil {
		return err
	}

	featuresUsage := make(map[string]*entitlement.Entitlement, len(entries))
	for _, raw := range entries {
		var e entitlement.Entitlement
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return err
		}
		featuresUsage[e.FeatureSlug] = &e
	}
	a.featuresUsage = featuresUsage

	return nil
}

func entitlementKey(projectID, customerID, featureSlug string) string {
	return "entitlement:" + projectID + ":" + customerID + ":" + featureSlug
}

func (a *Actor) persistEntitlement(ctx context.Context, e *entitlement.Entitlement) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, entitlementKey(e.ProjectID, e.CustomerID, e.FeatureSlug), string(raw))
}
