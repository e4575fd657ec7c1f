package limiter

import "time"

// ensureAlarmIsSet arms the shard's flush alarm per 4.6, using the
// earlier of the caller-requested flush time (seconds), when present, and
// the configured analytics TTL.
func (a *Actor) ensureAlarmIsSet(flushTimeSec *int64) {
	var requested *time.Duration
	if flushTimeSec != nil {
		d := time.Duration(*flushTimeSec) * time.Second
		requested = &d
	}
	a.alarmTicker.Ensure(requested, a.cfg.Limiter.TTLAnalytics)
}
