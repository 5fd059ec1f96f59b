package schedule

import "time"

// Frequency is the recurrence rule of a wake schedule.
type Frequency string

const (
	FrequencyOnce     Frequency = "once"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyWeekdays Frequency = "weekdays"
	FrequencyWeekends Frequency = "weekends"
)

// NextTrigger computes the next UTC instant a schedule should fire,
// per spec §4.7. Returns nil when the schedule will not fire again
// (disabled, or a past `once`).
func NextTrigger(scheduledTime time.Time, freq Frequency, enabled bool, referenceNow time.Time) *time.Time {
	if !enabled {
		return nil
	}
	scheduledTime = scheduledTime.UTC()
	referenceNow = referenceNow.UTC()

	switch freq {
	case FrequencyOnce:
		if scheduledTime.After(referenceNow) {
			return &scheduledTime
		}
		return nil

	case FrequencyDaily:
		candidate := atTimeOfDay(referenceNow, scheduledTime)
		if !candidate.After(referenceNow) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return &candidate

	case FrequencyWeekly:
		candidate := atTimeOfDay(referenceNow, scheduledTime)
		delta := (int(scheduledTime.Weekday()) - int(referenceNow.Weekday()) + 7) % 7
		candidate = candidate.AddDate(0, 0, delta)
		if delta == 0 && !candidate.After(referenceNow) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return &candidate

	case FrequencyWeekdays:
		return nextMatchingWeekday(referenceNow, scheduledTime, isWeekday)

	case FrequencyWeekends:
		return nextMatchingWeekday(referenceNow, scheduledTime, isWeekend)

	default:
		return nil
	}
}

// atTimeOfDay returns day's date with scheduledTime's UTC
// hour/minute/second.
func atTimeOfDay(day, scheduledTime time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		scheduledTime.Hour(), scheduledTime.Minute(), scheduledTime.Second(), 0, time.UTC)
}

func isWeekday(d time.Weekday) bool {
	return d >= time.Monday && d <= time.Friday
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// nextMatchingWeekday iterates up to 8 consecutive days starting
// today, returning the first candidate whose weekday matches and
// which is strictly after referenceNow.
func nextMatchingWeekday(referenceNow, scheduledTime time.Time, matches func(time.Weekday) bool) *time.Time {
	for i := 0; i < 8; i++ {
		day := referenceNow.AddDate(0, 0, i)
		if !matches(day.Weekday()) {
			continue
		}
		candidate := atTimeOfDay(day, scheduledTime)
		if candidate.After(referenceNow) {
			return &candidate
		}
	}
	return nil
}
