package limiter

import (
	"context"
	"math"
	"time"

	"github.com/flexprice/usagelimiter/internal/domain/usagelog"
	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/shopspring/decimal"
)

// report implements 4.4.4.
func (a *Actor) report(ctx context.Context, req ReportRequest) (ReportResponse, error) {
	now := time.UnixMilli(req.Timestamp)

	if err := a.ensureInitialized(ctx); err != nil {
		return ReportResponse{Allowed: false, DeniedReason: types.DeniedReasonNotInitialized}, nil
	}

	if math.IsNaN(req.Usage) || math.IsInf(req.Usage, 0) || req.Usage < 0 {
		return ReportResponse{Allowed: false, DeniedReason: types.DeniedReasonIncorrectUsageReporting}, nil
	}

	e, err := a.getEntitlement(ctx, req.CustomerID, req.ProjectID, req.FeatureSlug, now)
	if err != nil {
		return ReportResponse{Allowed: false, DeniedReason: types.DeniedReasonFetchError}, nil
	}
	if e.IsPlaceholder() {
		return ReportResponse{Allowed: false, DeniedReason: types.DeniedReasonEntitlementNotFound}, nil
	}

	if _, err := a.applyAutoReset(e, now); err != nil {
		return ReportResponse{Allowed: false, DeniedReason: types.DeniedReasonFetchError}, nil
	}

	usage := decimal.NewFromFloat(req.Usage)
	if !e.FeatureType.ConsumesQuota() {
		usage = decimal.Zero
	}

	newCycleUsage := e.CurrentCycleUsage.Add(usage)
	if e.ExceedsHardLimit(newCycleUsage) {
		return ReportResponse{
			Allowed:      false,
			DeniedReason: types.DeniedReasonLimitExceeded,
			Usage:        decimalPtr(e.CurrentCycleUsage),
			Limit:        limitPtr(e.Limit),
		}, nil
	}

	rec := &usagelog.UsageRecord{
		EntitlementID:        e.ID,
		CustomerID:           req.CustomerID,
		ProjectID:            req.ProjectID,
		FeatureSlug:          req.FeatureSlug,
		Usage:                usage,
		Timestamp:            req.Timestamp,
		IdempotenceKey:       req.IdempotenceKey,
		RequestID:            req.RequestID,
		FeaturePlanVersionID: e.FeaturePlanVersionID,
		SubscriptionID:       e.SubscriptionID,
		SubscriptionPhaseID:  e.SubscriptionPhaseID,
		SubscriptionItemID:   e.SubscriptionItemID,
		FeatureType:          e.FeatureType,
		Metadata:             req.Metadata,
		CreatedAt:            time.Now(),
	}

	if _, err := a.store.InsertUsage(ctx, rec); err != nil {
		return ReportResponse{}, ierr.WithError(err).
			WithHintf("failed to buffer usage record for customer=%s feature=%s", req.CustomerID, req.FeatureSlug).
			Mark(ierr.ErrDatabase)
	}

	e.CurrentCycleUsage = newCycleUsage
	e.AccumulatedUsage = e.AccumulatedUsage.Add(usage)
	e.LastUsageUpdateAt = req.Timestamp

	if err := a.persistEntitlement(ctx, e); err != nil {
		return ReportResponse{}, ierr.WithError(err).WithHint("failed to persist entitlement after report").Mark(ierr.ErrDatabase)
	}

	a.scheduleDebouncedWriteback(req.FeatureSlug)
	a.ensureAlarmIsSet(req.FlushTime)
	a.broadcastReport(e, req, true, "")

	return ReportResponse{
		Allowed: true,
		Usage:   decimalPtr(newCycleUsage),
		Limit:   limitPtr(e.Limit),
	}, nil
}
