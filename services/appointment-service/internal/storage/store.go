package storage

import (
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
)

// Change tells the store what to persist after a Mutation edited the appointment.
type Change struct {
	// Skip leaves the row untouched.
	Skip bool
	// Purge hard-deletes the appointment after its tasks.
	Purge  bool
	Events []outbox.Event
}

// Mutation edits appt in place while the row is locked. Moving the appointment to
// cancelled makes the store delete its tasks in the same transaction.
type Mutation func(appt *model.Appointment) (Change, error)

// AppointmentQuery filters the ledger. Zero values mean "any". From and To are inclusive civil dates.
type AppointmentQuery struct {
	GarageID  string
	VehicleID string
	From      *time.Time
	To        *time.Time
	Statuses  []model.Status
	Limit     int
	// Newest reverses the date/start ordering so a Limit keeps the latest rows.
	Newest bool
}
