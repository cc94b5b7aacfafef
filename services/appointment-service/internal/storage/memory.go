package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
)

// Memory is a process-local store with the same semantics as Postgres. One mutex guards
// everything, which makes each method atomic the way a transaction would be.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	hours      map[string][]model.BusinessHours
	exceptions map[string]model.CalendarException // garage|date
	services   map[string]model.OfferedService
	appts      map[string]model.Appointment
	tasks      map[string][]model.Task // appointment id
	events     []outbox.Event
}

func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		hours:      map[string][]model.BusinessHours{},
		exceptions: map[string]model.CalendarException{},
		services:   map[string]model.OfferedService{},
		appts:      map[string]model.Appointment{},
		tasks:      map[string][]model.Task{},
	}
}

func dayKey(garageID string, date time.Time) string {
	return garageID + "|" + model.DateOf(date).Format(model.DateLayout)
}

func (m *Memory) BusinessHours(_ context.Context, garageID string) ([]model.BusinessHours, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.hours[garageID]), nil
}

func (m *Memory) ReplaceBusinessHours(_ context.Context, garageID string, hours []model.BusinessHours) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.BusinessHours, 0, len(hours))
	for _, h := range hours {
		h.GarageID = garageID
		cp = append(cp, h)
	}
	m.hours[garageID] = cp
	return nil
}

func (m *Memory) CalendarException(_ context.Context, garageID string, date time.Time) (*model.CalendarException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exc, ok := m.exceptions[dayKey(garageID, date)]
	if !ok {
		return nil, nil
	}
	return &exc, nil
}

func (m *Memory) UpsertCalendarException(_ context.Context, exc model.CalendarException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exc.Date = model.DateOf(exc.Date)
	m.exceptions[dayKey(exc.GarageID, exc.Date)] = exc
	return nil
}

func (m *Memory) ServicesByIDs(_ context.Context, garageID string, ids []string) ([]model.OfferedService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OfferedService
	for _, id := range ids {
		if svc, ok := m.services[id]; ok && svc.GarageID == garageID {
			out = append(out, svc)
		}
	}
	return out, nil
}

func (m *Memory) ListServices(_ context.Context, garageID string) ([]model.OfferedService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OfferedService
	for _, svc := range m.services {
		if svc.GarageID == garageID {
			out = append(out, svc)
		}
	}
	slices.SortFunc(out, func(a, b model.OfferedService) int {
		if a.Category != b.Category {
			if a.Category < b.Category {
				return -1
			}
			return 1
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) AddServices(_ context.Context, services []model.OfferedService) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, svc := range services {
		dup := false
		for _, existing := range m.services {
			if existing.GarageID == svc.GarageID && existing.Category == svc.Category && existing.Name == svc.Name {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.services[svc.ID] = svc
		added++
	}
	return added, nil
}

func (m *Memory) ActiveAppointments(_ context.Context, garageID string, date time.Time) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := model.DateOf(date)
	var out []model.Appointment
	for _, a := range m.appts {
		if a.GarageID == garageID && a.Date.Equal(day) && a.Status.Active() {
			out = append(out, cloneAppointment(a))
		}
	}
	model.SortAppointments(out)
	return out, nil
}

func (m *Memory) InsertAppointment(_ context.Context, appt *model.Appointment, evt outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt.Date = model.DateOf(appt.Date)
	for _, a := range m.appts {
		if a.GarageID != appt.GarageID {
			continue
		}
		if appt.IdempotencyKey != "" && a.IdempotencyKey == appt.IdempotencyKey {
			return ErrDuplicateKey
		}
		if a.Date.Equal(appt.Date) && a.Status.Active() && a.Overlaps(appt.StartMinute, appt.DurationMinutes) {
			return ErrSlotTaken
		}
	}

	now := m.now().UTC()
	appt.CreatedAt, appt.UpdatedAt = now, now
	m.appts[appt.ID] = cloneAppointment(*appt)
	m.events = append(m.events, evt)
	return nil
}

func (m *Memory) AppointmentByIdempotencyKey(_ context.Context, garageID, key string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.GarageID == garageID && a.IdempotencyKey == key {
			return cloneAppointment(a), nil
		}
	}
	return model.Appointment{}, ErrNotFound
}

func (m *Memory) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	return cloneAppointment(a), nil
}

func (m *Memory) MutateAppointment(_ context.Context, id string, fn Mutation) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before, ok := m.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	after := cloneAppointment(before)
	change, err := fn(&after)
	if err != nil {
		return model.Appointment{}, err
	}
	if change.Skip {
		return cloneAppointment(before), nil
	}

	now := m.now().UTC()
	if before.Status != model.StatusCancelled && after.Status == model.StatusCancelled {
		delete(m.tasks, id)
		after.CancelledAt = &now
	}
	after.UpdatedAt = now
	if change.Purge {
		delete(m.appts, id)
	} else {
		m.appts[id] = cloneAppointment(after)
	}
	m.events = append(m.events, change.Events...)
	return after, nil
}

func (m *Memory) ListAppointments(_ context.Context, q AppointmentQuery) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Appointment
	for _, a := range m.appts {
		if q.GarageID != "" && a.GarageID != q.GarageID {
			continue
		}
		if q.VehicleID != "" && a.VehicleID != q.VehicleID {
			continue
		}
		if q.From != nil && a.Date.Before(model.DateOf(*q.From)) {
			continue
		}
		if q.To != nil && a.Date.After(model.DateOf(*q.To)) {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, a.Status) {
			continue
		}
		out = append(out, cloneAppointment(a))
	}
	model.SortAppointments(out)
	if q.Newest {
		slices.Reverse(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) PendingExpansions(_ context.Context, cutoff time.Time, limit int) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Appointment
	for _, a := range m.appts {
		if a.Expansion == model.ExpansionPending && a.Status.Active() && a.CreatedAt.Before(cutoff) {
			out = append(out, cloneAppointment(a))
		}
	}
	slices.SortFunc(out, func(a, b model.Appointment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertTask(_ context.Context, task model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[task.AppointmentID]
	if !ok || a.Status == model.StatusCancelled {
		return ErrAppointmentClosed
	}
	for _, existing := range m.tasks[task.AppointmentID] {
		if existing.OfferedServiceID == task.OfferedServiceID {
			return nil
		}
	}
	task.CreatedAt = m.now().UTC()
	m.tasks[task.AppointmentID] = append(m.tasks[task.AppointmentID], task)
	return nil
}

func (m *Memory) ListTasks(_ context.Context, appointmentID string) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tasks[appointmentID]), nil
}

func (m *Memory) FinishExpansion(_ context.Context, appointmentID string, state model.ExpansionState, failures []model.TaskFailure, evt outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[appointmentID]
	if !ok || a.Status == model.StatusCancelled {
		return ErrAppointmentClosed
	}
	a.Expansion = state
	a.ExpansionFailures = slices.Clone(failures)
	a.UpdatedAt = m.now().UTC()
	m.appts[appointmentID] = a
	m.events = append(m.events, evt)
	return nil
}

// Events returns every event recorded so far, oldest first.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

func cloneAppointment(a model.Appointment) model.Appointment {
	a.ServiceIDs = slices.Clone(a.ServiceIDs)
	a.ExpansionFailures = slices.Clone(a.ExpansionFailures)
	if a.CancelledAt != nil {
		t := *a.CancelledAt
		a.CancelledAt = &t
	}
	return a
}
