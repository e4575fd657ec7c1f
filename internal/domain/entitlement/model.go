// Package entitlement holds the authoritative per-(customer, feature)
// record the limiter shard keeps in memory and persists to its embedded
// store, adapted from the plan-linkage shape of flexprice's entitlement
// domain model to the shard's cycle-aware runtime view.
package entitlement

import (
	"time"

	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/shopspring/decimal"
)

// PlaceholderID is the sentinel Entitlement.ID used to memoize a
// not-found lookup and suppress refresh stampedes within the TTL.
const PlaceholderID = "placeholder"

// ActivePhase carries the subscription-phase fields the cycle calculator
// needs to compute the current billing window.
type ActivePhase struct {
	BillingAnchor        time.Time           `json:"billing_anchor"`
	BillingInterval      types.CycleInterval `json:"billing_interval"`
	BillingIntervalCount int                 `json:"billing_interval_count"`
	TrialEndsAt          *time.Time          `json:"trial_ends_at,omitempty"`
	EndAt                *time.Time          `json:"end_at,omitempty"`
}

// Entitlement is the authoritative per-(customer, feature) record a shard
// owns in its in-memory featuresUsage map and persists to its kv table.
type Entitlement struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	ProjectID   string `json:"project_id"`
	FeatureSlug string `json:"feature_slug"`

	FeaturePlanVersionID string `json:"feature_plan_version_id"`
	SubscriptionID       string `json:"subscription_id"`
	SubscriptionPhaseID  string `json:"subscription_phase_id"`
	SubscriptionItemID   string `json:"subscription_item_id"`
	FeatureType          types.FeatureType `json:"feature_type"`

	CurrentCycleUsage decimal.Decimal `json:"current_cycle_usage"`
	AccumulatedUsage  decimal.Decimal `json:"accumulated_usage"`
	LastUsageUpdateAt int64           `json:"last_usage_update_at"`
	ResetedAt         time.Time       `json:"reseted_at"`
	UpdatedAtM        int64           `json:"updated_at_m"`

	Limit       *decimal.Decimal `json:"limit,omitempty"`
	LimitType   types.LimitType  `json:"limit_type"`
	Units       *decimal.Decimal `json:"units,omitempty"`
	ActivePhase ActivePhase      `json:"active_phase"`

	Enabled bool `json:"enabled"`
}

// IsPlaceholder reports whether e is the not-found memo sentinel rather
// than a real hydrated entitlement.
func (e *Entitlement) IsPlaceholder() bool {
	return e != nil && e.ID == PlaceholderID
}

// NewPlaceholder builds the sentinel entitlement written on a failed
// revalidation, so subsequent calls within the placeholder TTL short-circuit
// instead of re-querying the primary DB.
func NewPlaceholder(customerID, projectID, featureSlug string, now time.Time) *Entitlement {
	return &Entitlement{
		ID:          PlaceholderID,
		CustomerID:  customerID,
		ProjectID:   projectID,
		FeatureSlug: featureSlug,
		UpdatedAtM:  now.UnixMilli(),
	}
}

// ExceedsHardLimit reports whether newCycleUsage would violate a hard
// limit. Soft and unlimited (nil Limit) entitlements never deny on quota.
func (e *Entitlement) ExceedsHardLimit(newCycleUsage decimal.Decimal) bool {
	if e.LimitType != types.LimitTypeHard || e.Limit == nil {
		return false
	}
	return newCycleUsage.GreaterThan(*e.Limit)
}

// AllowsUsage reports whether currentCycleUsage still permits another
// Verify for tier/package/usage feature types (flat is enabled/disabled
// only and never consults this).
func (e *Entitlement) AllowsUsage() bool {
	if e.Limit == nil || e.LimitType != types.LimitTypeHard {
		return true
	}
	return e.CurrentCycleUsage.LessThan(*e.Limit)
}
