package availability

import (
	"errors"
	"testing"
	"time"
)

func TestAvailableSlots_Basic(t *testing.T) {
	loc := time.UTC
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, loc)
	windowStart := time.Date(2026, 1, 28, 9, 0, 0, 0, loc)
	windowEnd := time.Date(2026, 1, 28, 10, 0, 0, 0, loc)

	busy := []Interval{
		{Start: day.Add(9*time.Hour + 15*time.Minute), End: day.Add(9*time.Hour + 45*time.Minute)},
	}

	slots := AvailableSlots(windowStart, windowEnd, 15*time.Minute, 15*time.Minute, busy)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Format(time.RFC3339))
	}
	if !slots[1].Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected second slot 09:45, got %s", slots[1].Format(time.RFC3339))
	}
}

func TestAvailableSlots_WorkdayWithOneBooking(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	busy := []Interval{{Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)}}

	slots := AvailableSlots(day.Add(9*time.Hour), day.Add(17*time.Hour), time.Hour, 30*time.Minute, busy)

	var got []string
	for _, s := range slots {
		got = append(got, s.Format("15:04"))
	}
	want := []string{"09:00", "11:00", "11:30", "12:00", "12:30", "13:00", "13:30", "14:00", "14:30", "15:00", "15:30", "16:00"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slot %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}
}

func TestAvailableSlots_DurationLongerThanWindow(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if slots := AvailableSlots(day.Add(9*time.Hour), day.Add(10*time.Hour), 90*time.Minute, 30*time.Minute, nil); slots != nil {
		t.Fatalf("expected no slots, got %v", slots)
	}
}

func TestAvailableSlots_LastSlotEndsAtClose(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	slots := AvailableSlots(day.Add(9*time.Hour), day.Add(10*time.Hour), 30*time.Minute, 30*time.Minute, nil)
	if len(slots) != 2 || slots[1].Format("15:04") != "09:30" {
		t.Fatalf("expected 09:00 and 09:30, got %v", slots)
	}
}

func TestFits(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	win := Interval{Start: day.Add(9 * time.Hour), End: day.Add(17 * time.Hour)}
	busy := []Interval{{Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)}}
	step := 30 * time.Minute

	cases := []struct {
		name  string
		start time.Duration
		dur   time.Duration
		want  error
	}{
		{"free", 11 * time.Hour, time.Hour, nil},
		{"touches booking end", 11 * time.Hour, 30 * time.Minute, nil},
		{"overlaps booking", 9*time.Hour + 30*time.Minute, time.Hour, ErrOverlap},
		{"before open", 8*time.Hour + 30*time.Minute, time.Hour, ErrOutsideHours},
		{"runs past close", 16*time.Hour + 30*time.Minute, time.Hour, ErrOutsideHours},
		{"off grid", 12*time.Hour + 15*time.Minute, 30 * time.Minute, ErrOffGrid},
	}
	for _, tc := range cases {
		err := Fits(win, day.Add(tc.start), tc.dur, step, busy)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
