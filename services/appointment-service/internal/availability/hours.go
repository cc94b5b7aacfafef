package availability

import (
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
)

// EffectiveWindow resolves the opening window for date. The bool is false when the garage
// is closed: no weekday row, a closing exception, or an empty window.
//
// An exception that only overrides one side borrows the other side from the weekday row.
func EffectiveWindow(date time.Time, hours []model.BusinessHours, exc *model.CalendarException) (Interval, bool) {
	day := model.DateOf(date)

	openMin, closeMin, ok := weekdayHours(day.Weekday(), hours)
	if exc != nil {
		if exc.Closed {
			return Interval{}, false
		}
		if exc.OpenMinute != nil {
			openMin = *exc.OpenMinute
		}
		if exc.CloseMinute != nil {
			closeMin = *exc.CloseMinute
		}
		if exc.OpenMinute != nil && exc.CloseMinute != nil {
			ok = true
		}
	}
	if !ok || openMin < 0 || closeMin > 24*60 || openMin >= closeMin {
		return Interval{}, false
	}
	return Interval{
		Start: day.Add(time.Duration(openMin) * time.Minute),
		End:   day.Add(time.Duration(closeMin) * time.Minute),
	}, true
}

func weekdayHours(wd time.Weekday, hours []model.BusinessHours) (int, int, bool) {
	for _, h := range hours {
		if h.Weekday == wd {
			return h.OpenMinute, h.CloseMinute, true
		}
	}
	return 0, 0, false
}

// BusyIntervals maps active appointments onto the date as half-open intervals.
func BusyIntervals(appts []model.Appointment) []Interval {
	busy := make([]Interval, 0, len(appts))
	for _, a := range appts {
		if !a.Status.Active() {
			continue
		}
		busy = append(busy, Interval{Start: a.StartTime(), End: a.EstimatedCompletion()})
	}
	return busy
}
