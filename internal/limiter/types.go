// Package limiter implements the C4 limiter shard: one actor per customer,
// serving Verify/Report from an in-memory map with no database round-trip
// on the hot path, buffering records in its embedded store, and flushing
// them on a periodic alarm. Each shard runs as a single goroutine reading
// off a mailbox channel, in the style of
// other_examples' sharded.Shard event loop: no locks on shard state because
// only one goroutine ever touches it.
package limiter

import (
	"time"

	"github.com/flexprice/usagelimiter/internal/types"
)

// VerifyRequest is the input to a Verify call.
type VerifyRequest struct {
	CustomerID       string
	ProjectID        string
	FeatureSlug      string
	RequestID        string
	Timestamp        int64
	FlushTime        *int64
	Metadata         types.Metadata
	PerformanceStart int64
	FromCache        bool
}

// VerifyResponse is the result of a Verify call.
type VerifyResponse struct {
	Allowed      bool
	Message      string
	DeniedReason types.DeniedReason
	Limit        *string
	Usage        *string
	LatencyMS    int64
	CacheHit     bool
}

// ReportRequest is the input to a Report call.
type ReportRequest struct {
	CustomerID     string
	ProjectID      string
	FeatureSlug    string
	Usage          float64
	IdempotenceKey string
	Timestamp      int64
	FlushTime      *int64
	RequestID      string
	Metadata       types.Metadata
}

// ReportResponse is the result of a Report call.
type ReportResponse struct {
	Allowed      bool
	Message      string
	Limit        *string
	Usage        *string
	DeniedReason types.DeniedReason
	CacheHit     bool
}

// ResetResult is returned by a successful Reset.
type ResetResult struct {
	FeatureSlugs []string
}

// DebugEvent is a broadcast emitted to the debug stream, at most once per
// second per shard.
type DebugEvent struct {
	Type         string
	CustomerID   string
	FeatureSlug  string
	DeniedReason types.DeniedReason
	Usage        *string
	Limit        *string
	Success      bool
	At           time.Time
}
