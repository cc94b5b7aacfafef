package availability

import "time"

type Interval struct {
	Start time.Time
	End   time.Time
}

// AvailableSlots returns slot start times within [windowStart, windowEnd), stepping from
// windowStart, where a booking of length duration would not overlap any busy interval.
//
// All times are expected to be in the same location (timezone).
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var slots []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if !overlapsAny(t, t.Add(duration), busy) {
			slots = append(slots, t)
		}
	}
	return slots
}

// Fits is the single-slot form of AvailableSlots: start must be on the step grid anchored
// at the window start, fit inside the window and miss every busy interval.
func Fits(window Interval, start time.Time, duration, step time.Duration, busy []Interval) error {
	if err := InWindow(window, start, duration, step); err != nil {
		return err
	}
	if overlapsAny(start, start.Add(duration), busy) {
		return ErrOverlap
	}
	return nil
}

// InWindow checks the grid and window constraints only.
func InWindow(window Interval, start time.Time, duration, step time.Duration) error {
	if duration <= 0 || step <= 0 {
		return ErrOutsideHours
	}
	if start.Before(window.Start) || start.Add(duration).After(window.End) {
		return ErrOutsideHours
	}
	if start.Sub(window.Start)%step != 0 {
		return ErrOffGrid
	}
	return nil
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
