package appointments

import (
	"context"
	"errors"
	"fmt"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/storage"
)

// Details is an appointment together with its task snapshots.
type Details struct {
	Appointment model.Appointment
	Tasks       []model.Task
}

type Scope string

const (
	ScopeToday    Scope = "today"
	ScopeUpcoming Scope = "upcoming"
	ScopePast     Scope = "past"
	ScopeAll      Scope = "all"
)

type ListFilter struct {
	GarageID  string
	VehicleID string
	Scope     Scope
	// Statuses narrows the result; empty means every status, cancelled included.
	Statuses []model.Status
	Limit    int
}

func (m *Manager) Get(ctx context.Context, appointmentID string) (Details, error) {
	appt, err := m.store.GetAppointment(ctx, appointmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return Details{}, ErrNotFound
	}
	if err != nil {
		return Details{}, err
	}
	tasks, err := m.store.ListTasks(ctx, appointmentID)
	if err != nil {
		return Details{}, fmt.Errorf("load tasks: %w", err)
	}
	return Details{Appointment: appt, Tasks: tasks}, nil
}

// List returns appointments ordered by date and start time, latest first for ScopePast.
// Without a garage it spans all garages. Scopes are relative to today in the garage time zone.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]model.Appointment, error) {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, invalid("unknown status %q", s)
		}
	}
	q := storage.AppointmentQuery{GarageID: f.GarageID, VehicleID: f.VehicleID, Statuses: f.Statuses, Limit: f.Limit}
	today := m.Today()
	switch f.Scope {
	case ScopeToday:
		q.From, q.To = &today, &today
	case ScopeUpcoming:
		tomorrow := today.AddDate(0, 0, 1)
		q.From = &tomorrow
	case ScopePast:
		yesterday := today.AddDate(0, 0, -1)
		q.To = &yesterday
		q.Newest = true
	case ScopeAll, "":
	default:
		return nil, invalid("unknown scope %q", f.Scope)
	}
	return m.store.ListAppointments(ctx, q)
}

// ServiceHistory lists a vehicle's completed appointments with the tasks performed.
func (m *Manager) ServiceHistory(ctx context.Context, vehicleID string) ([]Details, error) {
	if vehicleID == "" {
		return nil, invalid("vehicle_id is required")
	}
	appts, err := m.store.ListAppointments(ctx, storage.AppointmentQuery{
		VehicleID: vehicleID,
		Statuses:  []model.Status{model.StatusCompleted},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Details, 0, len(appts))
	for _, a := range appts {
		tasks, err := m.store.ListTasks(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
		out = append(out, Details{Appointment: a, Tasks: tasks})
	}
	return out, nil
}
