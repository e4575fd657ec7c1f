package limiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// handleAlarm implements 4.4.6: drain both append-only tables in
// id-ordered batches, push them to the analytics sink, and delete the
// acknowledged range. A batch that the sink only partially accounts for
// is left in place; the next alarm retries it.
func (a *Actor) handleAlarm(ctx context.Context) {
	if err := a.ensureInitialized(ctx); err != nil {
		return
	}

	a.drainVerifications(ctx, "")
	a.drainUsage(ctx, "")
	a.maybeReconcile(ctx)

	if a.log != nil {
		a.log.Debugf("flush cycle complete for customer=%s", a.customerID)
	}
}

// flushFeatureSlug drains only the records for one feature slug, used by
// revalidateEntitlement so the system of record absorbs pending writes
// before it is queried.
func (a *Actor) flushFeatureSlug(ctx context.Context, featureSlug string) {
	a.drainVerifications(ctx, featureSlug)
	a.drainUsage(ctx, featureSlug)
}

func (a *Actor) drainUsage(ctx context.Context, featureSlug string) {
	batchSize := a.cfg.Limiter.BatchSize

	for {
		batch, err := a.store.SelectUsageBatch(ctx, 0, batchSize, featureSlug)
		if err != nil || len(batch) == 0 {
			return
		}

		isProduction := a.cfg.Deployment.Environment.IsProduction()
		seen := make(map[string]struct{}, len(batch))
		deduped := batch[:0]
		for _, rec := range batch {
			key := rec.SinkIdempotenceKey(isProduction)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			deduped = append(deduped, rec)
		}

		var result interface{ Accounted(int) bool }
		op := func() error {
			res, ingestErr := a.sink.IngestUsage(ctx, deduped)
			if ingestErr != nil {
				return ingestErr
			}
			result = res
			return nil
		}

		if err := backoff.Retry(op, retryPolicy()); err != nil {
			if a.log != nil {
				a.log.Errorf("usage ingest failed for customer=%s: %v", a.customerID, err)
			}
			return
		}

		if !result.Accounted(len(deduped)) {
			if a.log != nil {
				a.log.Warnf("usage ingest partially accounted for customer=%s, will retry next alarm", a.customerID)
			}
			return
		}

		firstID, lastID := batch[0].ID, batch[len(batch)-1].ID
		if err := a.store.DeleteUsageRange(ctx, firstID, lastID); err != nil && a.log != nil {
			a.log.Errorf("failed to delete acknowledged usage range for customer=%s: %v", a.customerID, err)
			return
		}

		if len(batch) < batchSize {
			return
		}
	}
}

func (a *Actor) drainVerifications(ctx context.Context, featureSlug string) {
	batchSize := a.cfg.Limiter.BatchSize

	for {
		batch, err := a.store.SelectVerificationBatch(ctx, 0, batchSize, featureSlug)
		if err != nil || len(batch) == 0 {
			return
		}

		var result interface{ Accounted(int) bool }
		op := func() error {
			res, ingestErr := a.sink.IngestVerification(ctx, batch)
			if ingestErr != nil {
				return ingestErr
			}
			result = res
			return nil
		}

		if err := backoff.Retry(op, retryPolicy()); err != nil {
			if a.log != nil {
				a.log.Errorf("verification ingest failed for customer=%s: %v", a.customerID, err)
			}
			return
		}

		if !result.Accounted(len(batch)) {
			if a.log != nil {
				a.log.Warnf("verification ingest partially accounted for customer=%s, will retry next alarm", a.customerID)
			}
			return
		}

		firstID, lastID := batch[0].ID, batch[len(batch)-1].ID
		if err := a.store.DeleteVerificationRange(ctx, firstID, lastID); err != nil && a.log != nil {
			a.log.Errorf("failed to delete acknowledged verification range for customer=%s: %v", a.customerID, err)
			return
		}

		if len(batch) < batchSize {
			return
		}
	}
}

func (a *Actor) maybeReconcile(ctx context.Context) {
	now := time.Now()
	if now.Sub(a.lastSyncUsageAt) < a.cfg.Limiter.TTLSyncUsage {
		return
	}

	a.lastSyncUsageAt = now
	cfg := shardConfig{Colo: a.colo, LastSyncUsageAt: now}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := a.store.Put(ctx, configKey, string(raw)); err != nil && a.log != nil {
		a.log.Errorf("failed to persist reconciliation timestamp for customer=%s: %v", a.customerID, err)
	}
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}
