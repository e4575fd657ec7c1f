package limiter

import (
	"context"
	"time"
)

// prewarm implements the forwarding target of 4.5's router prewarm call:
// re-hydrate known entitlements when the shard's last DB reconciliation is
// older than TTL_SYNC_USAGE.
func (a *Actor) prewarm(ctx context.Context, projectID string, now time.Time) error {
	if err := a.ensureInitialized(ctx); err != nil {
		return err
	}

	if now.Sub(a.lastSyncUsageAt) < a.cfg.Limiter.TTLSyncUsage {
		return nil
	}

	for featureSlug := range a.featuresUsage {
		if _, err := a.revalidateEntitlement(ctx, a.customerID, projectID, featureSlug, now); err != nil {
			if a.log != nil {
				a.log.Errorf("prewarm revalidation failed for customer=%s feature=%s: %v", a.customerID, featureSlug, err)
			}
		}
	}

	return nil
}
