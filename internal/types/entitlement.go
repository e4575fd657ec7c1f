package types

import (
	"fmt"

	"github.com/samber/lo"
)

// FeatureType distinguishes how an entitlement's quota is enforced.
type FeatureType string

const (
	FeatureTypeFlat    FeatureType = "flat"
	FeatureTypeTier    FeatureType = "tier"
	FeatureTypePackage FeatureType = "package"
	FeatureTypeUsage   FeatureType = "usage"
)

// Validate reports whether ft is one of the closed set of feature types.
func (ft FeatureType) Validate() error {
	allowed := []FeatureType{FeatureTypeFlat, FeatureTypeTier, FeatureTypePackage, FeatureTypeUsage}
	if !lo.Contains(allowed, ft) {
		return fmt.Errorf("invalid feature_type: %s", ft)
	}
	return nil
}

// ConsumesQuota reports whether Report should accumulate usage for ft.
// Flat features are enabled/disabled only; they never consume quota.
func (ft FeatureType) ConsumesQuota() bool {
	return ft != FeatureTypeFlat
}

// LimitType controls whether exceeding Limit denies a Report.
type LimitType string

const (
	LimitTypeHard LimitType = "hard"
	LimitTypeSoft LimitType = "soft"
	LimitTypeNone LimitType = "none"
)

func (lt LimitType) Validate() error {
	allowed := []LimitType{LimitTypeHard, LimitTypeSoft, LimitTypeNone}
	if !lo.Contains(allowed, lt) {
		return fmt.Errorf("invalid limit_type: %s", lt)
	}
	return nil
}

// DeniedReason is the closed set of reasons a Verify or Report can fail.
type DeniedReason string

const (
	DeniedReasonEntitlementNotFound       DeniedReason = "ENTITLEMENT_NOT_FOUND"
	DeniedReasonLimitExceeded             DeniedReason = "LIMIT_EXCEEDED"
	DeniedReasonEntitlementExpired        DeniedReason = "ENTITLEMENT_EXPIRED"
	DeniedReasonEntitlementNotActive      DeniedReason = "ENTITLEMENT_NOT_ACTIVE"
	DeniedReasonNotInitialized            DeniedReason = "DO_NOT_INITIALIZED"
	DeniedReasonIncorrectUsageReporting   DeniedReason = "INCORRECT_USAGE_REPORTING"
	DeniedReasonErrorInsertingUsage       DeniedReason = "ERROR_INSERTING_USAGE_DO"
	DeniedReasonErrorInsertingVerification DeniedReason = "ERROR_INSERTING_VERIFICATION_DO"
	DeniedReasonFetchError                DeniedReason = "FETCH_ERROR"
	DeniedReasonSubscriptionNotActive     DeniedReason = "SUBSCRIPTION_NOT_ACTIVE"
	DeniedReasonFeatureTypeNotSupported   DeniedReason = "FEATURE_TYPE_NOT_SUPPORTED"
	DeniedReasonCustomerDisabled          DeniedReason = "CUSTOMER_DISABLED"
	DeniedReasonProjectDisabled           DeniedReason = "PROJECT_DISABLED"
	DeniedReasonErrorResetting            DeniedReason = "ERROR_RESETTING_DO"
)

// CycleInterval is the recurrence unit for an entitlement's billing cycle,
// the config knob C1's cycle calculator switches on.
type CycleInterval string

const (
	CycleIntervalMinute  CycleInterval = "minute"
	CycleIntervalDay     CycleInterval = "day"
	CycleIntervalWeek    CycleInterval = "week"
	CycleIntervalMonth   CycleInterval = "month"
	CycleIntervalYear    CycleInterval = "year"
	CycleIntervalOnetime CycleInterval = "onetime"
)

func (ci CycleInterval) Validate() error {
	allowed := []CycleInterval{CycleIntervalMinute, CycleIntervalDay, CycleIntervalWeek, CycleIntervalMonth, CycleIntervalYear, CycleIntervalOnetime}
	if !lo.Contains(allowed, ci) {
		return fmt.Errorf("invalid cycle_interval: %s", ci)
	}
	return nil
}

// AnchorDayOfCreation is the sentinel cyclecalc.Config.Anchor value meaning
// "derive the anchor from the subscription's start date" instead of a
// fixed numeric position.
const AnchorDayOfCreation = -1
