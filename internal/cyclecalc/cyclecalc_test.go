package cyclecalc

import (
	"testing"
	"time"

	"github.com/flexprice/usagelimiter/internal/types"
)

func TestCalculateCycleWindow_OutsideLifetime(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)
	cfg := Config{Interval: types.CycleIntervalMonth, IntervalCount: 1, Anchor: 1}

	w, err := CalculateCycleWindow(start, nil, nil, before, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil window before effectiveStart, got %+v", w)
	}

	end := start.AddDate(0, 1, 0)
	w, err = CalculateCycleWindow(start, &end, nil, end, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil window at/after effectiveEnd, got %+v", w)
	}
}

func TestCalculateCycleWindow_Trial(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	trialEnd := start.AddDate(0, 0, 14)
	now := start.AddDate(0, 0, 5)
	cfg := Config{Interval: types.CycleIntervalMonth, IntervalCount: 1, Anchor: 15}

	w, err := CalculateCycleWindow(start, nil, &trialEnd, now, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w == nil || !w.IsTrial {
		t.Fatalf("expected a trial window, got %+v", w)
	}
	if !w.End.Equal(trialEnd) {
		t.Errorf("trial window end = %v, want %v", w.End, trialEnd)
	}
	if w.ProrationFactor != 0 {
		t.Errorf("trial proration factor = %v, want 0", w.ProrationFactor)
	}
}

func TestCalculateCycleWindow_Onetime(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	cfg := Config{Interval: types.CycleIntervalOnetime, IntervalCount: 1}

	w, err := CalculateCycleWindow(start, &end, nil, start.AddDate(0, 6, 0), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w == nil || !w.Start.Equal(start) || !w.End.Equal(end) {
		t.Fatalf("unexpected onetime window: %+v", w)
	}
}

// Literal example from the monthly anchor walkthrough: config
// {interval:month, intervalCount:1, anchor:15}, start 2024-01-10, reference
// 2024-02-20, count=2 additional windows beyond the one containing reference.
func TestCalculateNextNCycles_MonthlyAnchorExample(t *testing.T) {
	start := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	reference := time.Date(2024, time.February, 20, 0, 0, 0, 0, time.UTC)
	cfg := Config{Interval: types.CycleIntervalMonth, IntervalCount: 1, Anchor: 15}

	windows, err := CalculateNextNCycles(reference, start, nil, nil, cfg, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []struct {
		start, end time.Time
	}{
		{time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, time.May, 15, 0, 0, 0, 0, time.UTC)},
	}

	if len(windows) != len(want) {
		t.Fatalf("got %d windows, want %d: %+v", len(windows), len(want), windows)
	}
	for i, w := range want {
		if !windows[i].Start.Equal(w.start) || !windows[i].End.Equal(w.end) {
			t.Errorf("window %d = [%v,%v), want [%v,%v)", i, windows[i].Start, windows[i].End, w.start, w.end)
		}
	}
}

// Literal example from the 5-minute alignment walkthrough: config
// {interval:minute, intervalCount:5, anchor:0}, start 2024-01-01T10:02:30Z,
// reference 10:07:00Z, count=2.
func TestCalculateNextNCycles_FiveMinuteAlignmentExample(t *testing.T) {
	start := time.Date(2024, time.January, 1, 10, 2, 30, 0, time.UTC)
	reference := time.Date(2024, time.January, 1, 10, 7, 0, 0, time.UTC)
	cfg := Config{Interval: types.CycleIntervalMinute, IntervalCount: 5, Anchor: 0}

	windows, err := CalculateNextNCycles(reference, start, nil, nil, cfg, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []struct {
		start, end time.Time
	}{
		{time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC), time.Date(2024, time.January, 1, 10, 5, 0, 0, time.UTC)},
		{time.Date(2024, time.January, 1, 10, 5, 0, 0, time.UTC), time.Date(2024, time.January, 1, 10, 10, 0, 0, time.UTC)},
		{time.Date(2024, time.January, 1, 10, 10, 0, 0, time.UTC), time.Date(2024, time.January, 1, 10, 15, 0, 0, time.UTC)},
		{time.Date(2024, time.January, 1, 10, 15, 0, 0, time.UTC), time.Date(2024, time.January, 1, 10, 20, 0, 0, time.UTC)},
	}

	if len(windows) != len(want) {
		t.Fatalf("got %d windows, want %d: %+v", len(windows), len(want), windows)
	}
	for i, w := range want {
		if !windows[i].Start.Equal(w.start) || !windows[i].End.Equal(w.end) {
			t.Errorf("window %d = [%v,%v), want [%v,%v)", i, windows[i].Start, windows[i].End, w.start, w.end)
		}
	}
}

// Trial isolation: exactly one window has IsTrial=true, and its End equals
// min(trialEndsAt, effectiveEnd).
func TestCalculateNextNCycles_TrialIsolation(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	trialEnd := start.AddDate(0, 0, 10)
	reference := start.AddDate(0, 3, 0)
	cfg := Config{Interval: types.CycleIntervalMonth, IntervalCount: 1, Anchor: 1}

	windows, err := CalculateNextNCycles(reference, start, nil, &trialEnd, cfg, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	trialCount := 0
	for _, w := range windows {
		if w.IsTrial {
			trialCount++
			if !w.End.Equal(trialEnd) {
				t.Errorf("trial window end = %v, want %v", w.End, trialEnd)
			}
		}
	}
	if trialCount != 1 {
		t.Fatalf("expected exactly one trial window, got %d in %+v", trialCount, windows)
	}
}

// Cycle contiguity: consecutive windows never skip or overlap.
func TestCalculateNextNCycles_Contiguity(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	reference := start.AddDate(1, 0, 0)
	cfg := Config{Interval: types.CycleIntervalWeek, IntervalCount: 2, Anchor: 3}

	windows, err := CalculateNextNCycles(reference, start, nil, nil, cfg, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i+1 < len(windows); i++ {
		if !windows[i].End.Equal(windows[i+1].Start) {
			t.Errorf("window %d ends at %v but window %d starts at %v", i, windows[i].End, i+1, windows[i+1].Start)
		}
	}
}

func TestCalculateCycleWindow_EndCap(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)
	cfg := Config{Interval: types.CycleIntervalMonth, IntervalCount: 1, Anchor: 1}

	w, err := CalculateCycleWindow(start, &end, nil, start.AddDate(0, 0, 10), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w == nil || !w.End.Equal(end) {
		t.Fatalf("expected window end to be capped at effectiveEnd, got %+v", w)
	}
}

func TestCalculateCycleWindow_InvalidIntervalCount(t *testing.T) {
	start := time.Now()
	cfg := Config{Interval: types.CycleIntervalMonth, IntervalCount: 0, Anchor: 1}
	if _, err := CalculateCycleWindow(start, nil, nil, start, cfg); err == nil {
		t.Error("expected error for zero interval_count, got nil")
	}
}
