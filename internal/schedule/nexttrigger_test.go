package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestNextTriggerDaily(t *testing.T) {
	scheduled := mustParse(t, "2026-02-15T09:00:00Z")
	reference := mustParse(t, "2026-02-15T10:00:00Z")

	got := NextTrigger(scheduled, FrequencyDaily, true, reference)
	if got == nil {
		t.Fatal("expected non-nil next trigger")
	}
	want := mustParse(t, "2026-02-16T09:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("NextTrigger() = %v, want %v", got, want)
	}
}

func TestNextTriggerWeeklySameDayLate(t *testing.T) {
	scheduled := mustParse(t, "2026-02-15T09:00:00Z") // Sunday
	reference := mustParse(t, "2026-02-15T10:00:00Z")

	got := NextTrigger(scheduled, FrequencyWeekly, true, reference)
	if got == nil {
		t.Fatal("expected non-nil next trigger")
	}
	want := mustParse(t, "2026-02-22T09:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("NextTrigger() = %v, want %v", got, want)
	}
}

func TestNextTriggerOnceInPast(t *testing.T) {
	scheduled := mustParse(t, "2020-01-01T00:00:00Z")
	reference := mustParse(t, "2026-01-01T00:00:00Z")
	if got := NextTrigger(scheduled, FrequencyOnce, true, reference); got != nil {
		t.Fatalf("expected nil for a past once-schedule, got %v", got)
	}
}

func TestNextTriggerDisabledIsNil(t *testing.T) {
	scheduled := mustParse(t, "2026-01-01T00:00:00Z")
	reference := mustParse(t, "2025-01-01T00:00:00Z")
	if got := NextTrigger(scheduled, FrequencyDaily, false, reference); got != nil {
		t.Fatalf("expected nil for a disabled schedule, got %v", got)
	}
}

func TestNextTriggerWeekdaysSkipsWeekend(t *testing.T) {
	// 2026-02-13 is a Friday; the next weekday candidate after it is Monday 2026-02-16.
	scheduled := mustParse(t, "2026-02-01T09:00:00Z")
	reference := mustParse(t, "2026-02-13T10:00:00Z")

	got := NextTrigger(scheduled, FrequencyWeekdays, true, reference)
	if got == nil {
		t.Fatal("expected non-nil next trigger")
	}
	if got.Weekday() < time.Monday || got.Weekday() > time.Friday {
		t.Fatalf("expected a weekday, got %v (%v)", got.Weekday(), got)
	}
	if !got.After(reference) {
		t.Fatalf("expected candidate strictly after reference, got %v", got)
	}
}

func TestNextTriggerWeekendsSkipsWeekday(t *testing.T) {
	scheduled := mustParse(t, "2026-02-01T09:00:00Z")
	reference := mustParse(t, "2026-02-16T10:00:00Z") // Monday

	got := NextTrigger(scheduled, FrequencyWeekends, true, reference)
	if got == nil {
		t.Fatal("expected non-nil next trigger")
	}
	if got.Weekday() != time.Saturday && got.Weekday() != time.Sunday {
		t.Fatalf("expected a weekend day, got %v (%v)", got.Weekday(), got)
	}
}
