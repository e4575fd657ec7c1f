// Package cyclecalc implements the pure cycle-window arithmetic the limiter
// shard uses to decide when a customer's usage counters roll over. It is
// deliberately dependency-free: calendar-anchor alignment is pure
// time.Time arithmetic, generalizing the anchor/month-end-capping approach
// internal/types/date.go used for a narrower set of billing periods.
package cyclecalc

import (
	"fmt"
	"time"

	"github.com/flexprice/usagelimiter/internal/types"
)

// Config describes how a subscription's cycle boundaries align to the calendar.
type Config struct {
	Interval types.CycleInterval

	// IntervalCount is the number of Interval units per cycle (>= 1).
	IntervalCount int

	// Anchor is a numeric position valid for Interval (second 0-59 for
	// minute, hour 0-23 for day, weekday 0-6 (Sunday=0) for week,
	// day-of-month 1-31 for month/year), or types.AnchorDayOfCreation to
	// derive the anchor from the subscription's start date.
	Anchor int
}

// Window is a half-open cycle interval [Start, End).
type Window struct {
	Start           time.Time
	End             time.Time
	ProrationFactor float64
	IsTrial         bool
}

// resolved carries Config with Anchor pinned to a concrete numeric value,
// resolved once against effectiveStart so that "dayOfCreation" anchors don't
// get re-derived differently on every step of a walk.
type resolved struct {
	Config
}

func resolve(cfg Config, effectiveStart time.Time) resolved {
	if cfg.Anchor != types.AnchorDayOfCreation {
		return resolved{cfg}
	}
	r := cfg
	switch cfg.Interval {
	case types.CycleIntervalMonth, types.CycleIntervalYear:
		r.Anchor = effectiveStart.Day()
	case types.CycleIntervalWeek:
		r.Anchor = int(effectiveStart.Weekday())
	case types.CycleIntervalDay:
		r.Anchor = effectiveStart.Hour()
	case types.CycleIntervalMinute:
		r.Anchor = effectiveStart.Second()
	}
	return resolved{r}
}

func lastDayOfMonth(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// step advances an aligned boundary t by n cycles (n*IntervalCount interval
// units), preserving the anchor alignment. t must already be an aligned
// boundary produced by this package.
func step(t time.Time, rcfg resolved, n int) time.Time {
	switch rcfg.Interval {
	case types.CycleIntervalMinute:
		return t.Add(time.Duration(rcfg.IntervalCount*n) * time.Minute)
	case types.CycleIntervalDay:
		return t.AddDate(0, 0, rcfg.IntervalCount*n)
	case types.CycleIntervalWeek:
		return t.AddDate(0, 0, 7*rcfg.IntervalCount*n)
	case types.CycleIntervalMonth:
		y, m, _ := t.Date()
		h, mi, s := t.Clock()
		totalMonths := int(m) - 1 + rcfg.IntervalCount*n
		ny := y + totalMonths/12
		nm := time.Month(totalMonths%12) + 1
		day := rcfg.Anchor
		if last := lastDayOfMonth(ny, nm); day > last {
			day = last
		}
		return time.Date(ny, nm, day, h, mi, s, 0, t.Location())
	case types.CycleIntervalYear:
		y, m, _ := t.Date()
		h, mi, s := t.Clock()
		ny := y + rcfg.IntervalCount*n
		day := rcfg.Anchor
		if last := lastDayOfMonth(ny, m); day > last {
			day = last
		}
		return time.Date(ny, m, day, h, mi, s, 0, t.Location())
	default:
		return t
	}
}

// floorAlignedMinute returns the latest minute-aligned boundary at or before t.
func floorAlignedMinute(t time.Time, rcfg resolved) time.Time {
	hourStart := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	alignedMinute := (t.Minute() / rcfg.IntervalCount) * rcfg.IntervalCount
	candidate := hourStart.Add(time.Duration(alignedMinute)*time.Minute + time.Duration(rcfg.Anchor)*time.Second)
	if candidate.After(t) {
		candidate = candidate.Add(-time.Duration(rcfg.IntervalCount) * time.Minute)
	}
	return candidate
}

// firstAlignedOnOrAfter finds the smallest aligned boundary >= paidStart for
// the non-minute intervals (day/week/month/year), where the stub-window rule
// applies.
func firstAlignedOnOrAfter(paidStart, effectiveStart time.Time, rcfg resolved) time.Time {
	h, mi, s := effectiveStart.Clock()

	switch rcfg.Interval {
	case types.CycleIntervalMonth, types.CycleIntervalYear:
		y, m, _ := paidStart.Date()
		day := rcfg.Anchor
		if last := lastDayOfMonth(y, m); day > last {
			day = last
		}
		candidate := time.Date(y, m, day, h, mi, s, 0, paidStart.Location())
		if candidate.Before(paidStart) {
			candidate = step(candidate, rcfg, 1)
		}
		return candidate
	case types.CycleIntervalWeek:
		base := time.Date(paidStart.Year(), paidStart.Month(), paidStart.Day(), h, mi, s, 0, paidStart.Location())
		daysUntil := (rcfg.Anchor - int(paidStart.Weekday()) + 7) % 7
		candidate := base.AddDate(0, 0, daysUntil)
		if candidate.Before(paidStart) {
			candidate = candidate.AddDate(0, 0, 7*rcfg.IntervalCount)
		}
		return candidate
	case types.CycleIntervalDay:
		candidate := time.Date(paidStart.Year(), paidStart.Month(), paidStart.Day(), rcfg.Anchor, 0, 0, 0, paidStart.Location())
		if candidate.Before(paidStart) {
			candidate = candidate.AddDate(0, 0, rcfg.IntervalCount)
		}
		return candidate
	default:
		return paidStart
	}
}

// CalculateCycleWindow returns the cycle window containing now, or nil when
// now falls outside the subscription's lifetime [effectiveStart, effectiveEnd).
func CalculateCycleWindow(effectiveStart time.Time, effectiveEnd *time.Time, trialEndsAt *time.Time, now time.Time, cfg Config) (*Window, error) {
	if cfg.IntervalCount < 1 {
		return nil, fmt.Errorf("cyclecalc: interval_count must be >= 1, got %d", cfg.IntervalCount)
	}
	if err := cfg.Interval.Validate(); err != nil {
		return nil, fmt.Errorf("cyclecalc: %w", err)
	}

	if now.Before(effectiveStart) {
		return nil, nil
	}
	if effectiveEnd != nil && !now.Before(*effectiveEnd) {
		return nil, nil
	}

	// Trial: a single window up to min(trialEndsAt, effectiveEnd).
	if trialEndsAt != nil && now.Before(*trialEndsAt) {
		end := *trialEndsAt
		if effectiveEnd != nil && effectiveEnd.Before(end) {
			end = *effectiveEnd
		}
		return &Window{Start: effectiveStart, End: end, ProrationFactor: 0, IsTrial: true}, nil
	}

	if cfg.Interval == types.CycleIntervalOnetime {
		end := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
		if effectiveEnd != nil {
			end = *effectiveEnd
		}
		return &Window{Start: effectiveStart, End: end, ProrationFactor: 1, IsTrial: false}, nil
	}

	rcfg := resolve(cfg, effectiveStart)

	paidStart := effectiveStart
	if trialEndsAt != nil && trialEndsAt.After(paidStart) {
		paidStart = *trialEndsAt
	}

	var ws, we time.Time

	if cfg.Interval == types.CycleIntervalMinute {
		ws = floorAlignedMinute(paidStart, rcfg)
		we = step(ws, rcfg, 1)
		for !now.Before(we) {
			ws = we
			we = step(ws, rcfg, 1)
		}
	} else {
		first := firstAlignedOnOrAfter(paidStart, effectiveStart, rcfg)
		if first.After(paidStart) && now.Before(first) {
			ws, we = paidStart, first
		} else {
			ws = first
			we = step(ws, rcfg, 1)
			for !now.Before(we) {
				ws = we
				we = step(ws, rcfg, 1)
			}
		}
	}

	nominalWidth := we.Sub(ws)
	prorationFactor := 1.0
	if effectiveEnd != nil && effectiveEnd.Before(we) {
		we = *effectiveEnd
		if nominalWidth > 0 {
			prorationFactor = we.Sub(ws).Seconds() / nominalWidth.Seconds()
		}
	}

	return &Window{Start: ws, End: we, ProrationFactor: prorationFactor, IsTrial: false}, nil
}

// CalculateNextNCycles returns the ordered windows covering
// [effectiveStart, reference] plus count additional future windows. Windows
// never skip: window i+1 always starts where window i ended.
func CalculateNextNCycles(reference, effectiveStart time.Time, effectiveEnd *time.Time, trialEndsAt *time.Time, cfg Config, count int) ([]Window, error) {
	var windows []Window

	cursor := effectiveStart
	extra := 0
	const guard = 100000

	for i := 0; i < guard; i++ {
		w, err := CalculateCycleWindow(effectiveStart, effectiveEnd, trialEndsAt, cursor, cfg)
		if err != nil {
			return nil, err
		}
		if w == nil {
			break
		}
		windows = append(windows, *w)

		if !w.Start.Before(reference) {
			extra++
			if extra >= count {
				break
			}
		}

		if !w.End.After(cursor) {
			// Degenerate zero-width window (e.g. effectiveEnd == w.Start); stop
			// rather than loop forever.
			break
		}
		cursor = w.End

		if effectiveEnd != nil && !cursor.Before(*effectiveEnd) {
			break
		}
	}

	return windows, nil
}
