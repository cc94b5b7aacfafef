package model

import (
	"slices"
	"time"
)

type Status string

const (
	// StatusPending only exists inside the booking transaction and is never persisted.
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusScheduled},
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether s may move to next. Staying in the same status is not a transition.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active appointments occupy their interval in the ledger.
func (s Status) Active() bool {
	return s != StatusCancelled
}

type ExpansionState string

const (
	ExpansionPending    ExpansionState = "pending"
	ExpansionComplete   ExpansionState = "complete"
	ExpansionIncomplete ExpansionState = "incomplete"
)

type TaskFailure struct {
	ServiceID string `json:"service_id"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}

type Appointment struct {
	ID                string
	GarageID          string
	VehicleID         string
	Date              time.Time // civil date, UTC midnight
	StartMinute       int       // minutes since midnight, garage local time
	DurationMinutes   int       // sum of the selected services' durations at booking time
	Status            Status
	StatusComments    string
	ServiceIDs        []string
	IdempotencyKey    string
	Expansion         ExpansionState
	ExpansionFailures []TaskFailure
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CancelledAt       *time.Time
}

func (a Appointment) EndMinute() int {
	return a.StartMinute + a.DurationMinutes
}

// StartTime is the wall-clock start on the appointment's date, expressed in UTC.
func (a Appointment) StartTime() time.Time {
	return a.Date.Add(time.Duration(a.StartMinute) * time.Minute)
}

func (a Appointment) EstimatedCompletion() time.Time {
	return a.StartTime().Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps uses half-open intervals: [s1,e1) and [s2,e2) overlap iff s1 < e2 && s2 < e1.
func (a Appointment) Overlaps(startMinute, durationMinutes int) bool {
	return a.StartMinute < startMinute+durationMinutes && startMinute < a.EndMinute()
}

// Task is an immutable snapshot of one offered service attached to an appointment.
type Task struct {
	ID               string
	AppointmentID    string
	OfferedServiceID string
	ServiceName      string
	Price            string
	DurationMinutes  int
	CreatedAt        time.Time
}

// SortAppointments orders by date, then start time, then id for a stable result.
func SortAppointments(appts []Appointment) {
	slices.SortFunc(appts, func(a, b Appointment) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if a.StartMinute != b.StartMinute {
			return a.StartMinute - b.StartMinute
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
