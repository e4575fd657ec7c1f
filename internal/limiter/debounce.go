package limiter

import (
	"context"
	"time"
)

// scheduleDebouncedWriteback implements 4.4.5. For each feature slug the
// shard tracks the last time it wrote back to the read-through cache: a
// Report either flushes immediately (when the max interval has elapsed)
// or arms/refreshes a short debounce timer.
func (a *Actor) scheduleDebouncedWriteback(featureSlug string) {
	now := time.Now()
	d, ok := a.debouncers[featureSlug]
	if !ok {
		d = &debounceState{}
		a.debouncers[featureSlug] = d
	}

	if now.Sub(d.lastFlushAt) >= a.cfg.Limiter.MaxFlushInterval {
		a.writeBack(context.Background(), featureSlug)
		d.lastFlushAt = now
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		return
	}

	delay := a.cfg.Limiter.DebounceDelay
	if remaining := a.cfg.Limiter.MaxFlushInterval - now.Sub(d.lastFlushAt); remaining < delay {
		delay = remaining
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, func() {
		select {
		case a.debounceCh <- debounceFired{featureSlug: featureSlug}:
		default:
		}
	})
}

// flushDebounced is invoked on the actor's own goroutine when a pending
// debounce timer fires.
func (a *Actor) flushDebounced(ctx context.Context, featureSlug string) {
	a.writeBack(ctx, featureSlug)
	if d, ok := a.debouncers[featureSlug]; ok {
		d.lastFlushAt = time.Now()
		d.timer = nil
	}
}

func (a *Actor) writeBack(ctx context.Context, featureSlug string) {
	e, ok := a.featuresUsage[featureSlug]
	if !ok || e.IsPlaceholder() {
		return
	}
	a.cache.Put(ctx, e.CustomerID, e.ProjectID, featureSlug, e)
}
