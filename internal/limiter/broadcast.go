package limiter

import (
	"time"

	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
	"github.com/flexprice/usagelimiter/internal/types"
)

// broadcastVerify and broadcastReport emit debug events to subscribers of
// the shard's streaming connection, at most once per second per shard
// (best-effort; loss is acceptable per the spec's design notes).
func (a *Actor) broadcastVerify(e *entitlement.Entitlement, req VerifyRequest, allowed bool, reason types.DeniedReason) {
	a.broadcast(DebugEvent{
		Type:         "verify",
		CustomerID:   req.CustomerID,
		FeatureSlug:  req.FeatureSlug,
		DeniedReason: reason,
		Usage:        decimalPtr(e.CurrentCycleUsage),
		Limit:        limitPtr(e.Limit),
		Success:      allowed,
		At:           time.Now(),
	})
}

func (a *Actor) broadcastReport(e *entitlement.Entitlement, req ReportRequest, allowed bool, reason types.DeniedReason) {
	a.broadcast(DebugEvent{
		Type:         "reportUsage",
		CustomerID:   req.CustomerID,
		FeatureSlug:  req.FeatureSlug,
		DeniedReason: reason,
		Usage:        decimalPtr(e.CurrentCycleUsage),
		Limit:        limitPtr(e.Limit),
		Success:      allowed,
		At:           time.Now(),
	})
}

func (a *Actor) broadcast(ev DebugEvent) {
	if len(a.subscribers) == 0 {
		return
	}
	if time.Since(a.lastBroadcastAt) < a.cfg.Limiter.BroadcastInterval {
		return
	}
	a.lastBroadcastAt = ev.At

	for ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
