// Package usagelog holds the append-only records a limiter shard buffers
// locally before flushing them to the analytics sink, shaped after the
// usage_records/verifications tables described in the store design.
package usagelog

import (
	"time"

	"github.com/flexprice/usagelimiter/internal/idempotency"
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/shopspring/decimal"
)

// UsageRecord is one buffered Report, persisted in the shard's
// usage_records table until its range is acknowledged by the sink.
type UsageRecord struct {
	ID          int64  `db:"id"`
	EntitlementID string `db:"entitlement_id"`
	CustomerID  string `db:"customer_id"`
	ProjectID   string `db:"project_id"`
	FeatureSlug string `db:"feature_slug"`

	Usage          decimal.Decimal `db:"usage"`
	Timestamp      int64           `db:"timestamp"`
	IdempotenceKey string          `db:"idempotence_key"`
	RequestID      string          `db:"request_id"`

	FeaturePlanVersionID string `db:"feature_plan_version_id"`
	SubscriptionID       string `db:"subscription_id"`
	SubscriptionPhaseID  string `db:"subscription_phase_id"`
	SubscriptionItemID   string `db:"subscription_item_id"`
	FeatureType          types.FeatureType `db:"feature_type"`

	Metadata  types.Metadata `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

// VerificationRecord is one buffered Verify outcome, persisted in the
// shard's verifications table.
type VerificationRecord struct {
	ID            int64  `db:"id"`
	EntitlementID string `db:"entitlement_id"`
	CustomerID    string `db:"customer_id"`
	ProjectID     string `db:"project_id"`
	FeatureSlug   string `db:"feature_slug"`
	RequestID     string `db:"request_id"`
	Timestamp     int64  `db:"timestamp"`

	Success      bool               `db:"success"`
	Latency      decimal.Decimal    `db:"latency"`
	DeniedReason types.DeniedReason `db:"denied_reason"`

	FeaturePlanVersionID string `db:"feature_plan_version_id"`
	SubscriptionID       string `db:"subscription_id"`
	SubscriptionPhaseID  string `db:"subscription_phase_id"`
	SubscriptionItemID   string `db:"subscription_item_id"`
	FeatureType          types.FeatureType `db:"feature_type"`

	Metadata  types.Metadata `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

// SinkIdempotenceKey returns the key the flush path dedupes on within a
// batch before handing rows to the analytics sink.
func (u UsageRecord) SinkIdempotenceKey(isProduction bool) string {
	return idempotency.SinkIdempotenceKey(u.IdempotenceKey, u.Timestamp, isProduction)
}
