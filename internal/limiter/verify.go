package limiter

import (
	"context"
	"time"

	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
	"github.com/flexprice/usagelimiter/internal/domain/usagelog"
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/shopspring/decimal"
)

// verify implements 4.4.3. It always runs inside the actor's single
// goroutine, so no additional locking is needed around featuresUsage.
func (a *Actor) verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	now := time.UnixMilli(req.Timestamp)
	performanceStart := req.PerformanceStart

	if err := a.ensureInitialized(ctx); err != nil {
		return VerifyResponse{Allowed: false, DeniedReason: types.DeniedReasonNotInitialized}, nil
	}

	if req.FromCache {
		return a.verifyFromCache(ctx, req, now)
	}

	e, err := a.getEntitlement(ctx, req.CustomerID, req.ProjectID, req.FeatureSlug, now)
	if err != nil {
		return a.denyVerify(ctx, req, nil, types.DeniedReasonFetchError, performanceStart, now)
	}

	if e.IsPlaceholder() {
		return a.denyVerify(ctx, req, e, types.DeniedReasonEntitlementNotFound, performanceStart, now)
	}

	if _, err := a.applyAutoReset(e, now); err != nil {
		return a.denyVerify(ctx, req, e, types.DeniedReasonFetchError, performanceStart, now)
	}

	allowed, deniedReason := evaluateLimit(e)

	resp := VerifyResponse{
		Allowed:      allowed,
		Usage:        decimalPtr(e.CurrentCycleUsage),
		Limit:        limitPtr(e.Limit),
		LatencyMS:    time.Since(now).Milliseconds(),
		DeniedReason: deniedReason,
	}
	if performanceStart > 0 {
		resp.LatencyMS = time.Now().UnixMilli() - performanceStart
	}

	a.recordVerification(ctx, e, req, allowed, deniedReason, resp.LatencyMS, false)
	a.broadcastVerify(e, req, allowed, deniedReason)
	a.ensureAlarmIsSet(req.FlushTime)

	return resp, nil
}

// verifyFromCache bypasses shard state entirely, answering from the
// read-through cache; it still fires a VerificationRecord at the shard
// with metadata.fromCache=true, on a best-effort basis.
func (a *Actor) verifyFromCache(ctx context.Context, req VerifyRequest, now time.Time) (VerifyResponse, error) {
	e, err := a.cache.Get(ctx, req.CustomerID, req.ProjectID, req.FeatureSlug)
	if err != nil || e == nil || e.IsPlaceholder() {
		return VerifyResponse{Allowed: false, DeniedReason: types.DeniedReasonEntitlementNotFound}, nil
	}

	allowed, deniedReason := evaluateLimit(e)
	resp := VerifyResponse{
		Allowed:      allowed,
		Usage:        decimalPtr(e.CurrentCycleUsage),
		Limit:        limitPtr(e.Limit),
		DeniedReason: deniedReason,
	}

	metadata := cloneMetadata(req.Metadata)
	metadata["fromCache"] = "true"
	req.Metadata = metadata
	a.recordVerification(ctx, e, req, allowed, deniedReason, 0, true)

	return resp, nil
}

func evaluateLimit(e *entitlement.Entitlement) (bool, types.DeniedReason) {
	if !e.Enabled {
		return false, types.DeniedReasonEntitlementNotActive
	}
	if e.FeatureType == types.FeatureTypeFlat {
		return true, ""
	}
	if e.AllowsUsage() {
		return true, ""
	}
	return false, types.DeniedReasonLimitExceeded
}

func (a *Actor) denyVerify(ctx context.Context, req VerifyRequest, e *entitlement.Entitlement, reason types.DeniedReason, performanceStart int64, now time.Time) (VerifyResponse, error) {
	resp := VerifyResponse{Allowed: false, DeniedReason: reason}
	if performanceStart > 0 {
		resp.LatencyMS = time.Now().UnixMilli() - performanceStart
	}
	a.recordVerification(ctx, e, req, false, reason, resp.LatencyMS, false)
	return resp, nil
}

func (a *Actor) recordVerification(ctx context.Context, e *entitlement.Entitlement, req VerifyRequest, success bool, reason types.DeniedReason, latencyMS int64, fromCache bool) {
	rec := &usagelog.VerificationRecord{
		CustomerID:   req.CustomerID,
		ProjectID:    req.ProjectID,
		FeatureSlug:  req.FeatureSlug,
		RequestID:    req.RequestID,
		Timestamp:    req.Timestamp,
		Success:      success,
		Latency:      decimal.NewFromInt(latencyMS),
		DeniedReason: reason,
		Metadata:     req.Metadata,
		CreatedAt:    time.Now(),
	}
	if e != nil {
		rec.EntitlementID = e.ID
		rec.FeaturePlanVersionID = e.FeaturePlanVersionID
		rec.SubscriptionID = e.SubscriptionID
		rec.SubscriptionPhaseID = e.SubscriptionPhaseID
		rec.SubscriptionItemID = e.SubscriptionItemID
		rec.FeatureType = e.FeatureType
	}

	if _, err := a.store.InsertVerification(ctx, rec); err != nil && a.log != nil {
		a.log.Errorf("failed to buffer verification record for customer=%s feature=%s: %v", req.CustomerID, req.FeatureSlug, err)
	}
}

func cloneMetadata(m types.Metadata) types.Metadata {
	out := make(types.Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func decimalPtr(d decimal.Decimal) *string {
	s := d.String()
	return &s
}

func limitPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
