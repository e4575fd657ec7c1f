package limiter

import (
	"context"

	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
	ierr "github.com/flexprice/usagelimiter/internal/errors"
)

// reset implements 4.4.7. It refuses to discard buffered rows: it first
// tries a flush, and only proceeds once both append-only tables are
// confirmed empty.
func (a *Actor) reset(ctx context.Context) (ResetResult, error) {
	a.handleAlarm(ctx)

	usageCount, verificationCount, err := a.store.CountAll(ctx)
	if err != nil {
		return ResetResult{}, ierr.WithError(err).WithHint("failed to count buffered rows before reset").Mark(ierr.ErrDatabase)
	}
	if usageCount > 0 || verificationCount > 0 {
		return ResetResult{}, ierr.WithError(ierr.ErrInvalidOperation).
			WithHintf("reset refused: %d usage rows and %d verification rows are still unflushed", usageCount, verificationCount).
			Mark(ierr.ErrInvalidOperation)
	}

	slugs := make([]string, 0, len(a.featuresUsage))
	for slug := range a.featuresUsage {
		slugs = append(slugs, slug)
	}

	for _, d := range a.debouncers {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	a.debouncers = make(map[string]*debounceState)
	a.alarmTicker.Clear()

	if err := a.store.DeleteAll(ctx); err != nil {
		return ResetResult{}, ierr.WithError(err).WithHint("failed to clear shard storage during reset").Mark(ierr.ErrDatabase)
	}

	a.featuresUsage = make(map[string]*entitlement.Entitlement)
	a.initialized = false

	return ResetResult{FeatureSlugs: slugs}, nil
}
