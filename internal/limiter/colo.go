package limiter

import "os"

// probeColo simulates the one-shot datacenter-id probe a real edge platform
// would perform on shard creation. On a general runtime there is no
// network call to make, so this resolves a configured region id once; the
// caller persists the result into the shard's config row, after which it
// is immutable for the lifetime of the shard.
func probeColo() string {
	if region := os.Getenv("LIMITER_REGION"); region != "" {
		return region
	}
	return "local"
}
