package model

import "time"

// BusinessHours is one weekday's opening window. A missing weekday means closed.
type BusinessHours struct {
	GarageID    string
	Weekday     time.Weekday
	OpenMinute  int
	CloseMinute int
}

// CalendarException replaces the weekday hours for a single date. Closed wins over the override.
type CalendarException struct {
	GarageID    string
	Date        time.Time
	Closed      bool
	OpenMinute  *int
	CloseMinute *int
	Reason      string
}

type OfferedService struct {
	ID              string
	GarageID        string
	Category        string
	Name            string
	Price           string // numeric text, e.g. "49.90"
	DurationMinutes int
}

// TotalDuration sums service durations in minutes.
func TotalDuration(services []OfferedService) int {
	total := 0
	for _, s := range services {
		total += s.DurationMinutes
	}
	return total
}
