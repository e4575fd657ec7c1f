// Package idempotency builds the stable string keys the router's
// isolate-local caches (C5) and the shard's analytics flush (C3) key off
// of, so the composition rules live in one place instead of being
// re-derived at each call site.
package idempotency

import (
	"strconv"
	"strings"
)

// DenialCacheKey builds the router's hashCache key for a (project, customer, feature) triple.
// Denials only - allowed responses must never be memoized under this key.
func DenialCacheKey(projectID, customerID, featureSlug string) string {
	return strings.Join([]string{projectID, customerID, featureSlug}, ":")
}

// ReportCacheKey builds the router's idempotent-report cache key. In non-production
// environments the client-supplied timestamp is folded in so replay tests don't
// collide across runs that reuse the same idempotenceKey.
func ReportCacheKey(projectID, customerID, featureSlug, idempotenceKey string, timestamp int64, isProduction bool) string {
	key := idempotenceKey
	if !isProduction {
		key = SinkIdempotenceKey(idempotenceKey, timestamp, isProduction)
	}
	return strings.Join([]string{projectID, customerID, featureSlug, key}, ":")
}

// SinkIdempotenceKey is the key the limiter composes before handing a usage row
// to the analytics sink. Production sinks dedupe on idempotenceKey alone;
// non-production sinks get the timestamp folded in so repeated test runs replay
// instead of silently deduping against a prior run.
func SinkIdempotenceKey(idempotenceKey string, timestamp int64, isProduction bool) string {
	if isProduction {
		return idempotenceKey
	}
	return idempotenceKey + ":" + strconv.FormatInt(timestamp, 10)
}
