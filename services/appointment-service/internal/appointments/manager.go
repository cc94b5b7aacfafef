// Package appointments owns the booking lifecycle: validation, the per-garage-date
// check-then-commit, cancellation, status changes and the read projections.
package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garagebook/garagebook/libs/lock"
	otelx "github.com/garagebook/garagebook/libs/otel"
	"github.com/garagebook/garagebook/services/appointment-service/internal/availability"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
	"github.com/garagebook/garagebook/services/appointment-service/internal/storage"
	"github.com/garagebook/garagebook/services/appointment-service/internal/tasks"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Store interface {
	availability.HoursSource
	availability.LedgerSource
	ServicesByIDs(ctx context.Context, garageID string, ids []string) ([]model.OfferedService, error)
	InsertAppointment(ctx context.Context, appt *model.Appointment, evt outbox.Event) error
	AppointmentByIdempotencyKey(ctx context.Context, garageID, key string) (model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	MutateAppointment(ctx context.Context, id string, fn storage.Mutation) (model.Appointment, error)
	ListAppointments(ctx context.Context, q storage.AppointmentQuery) ([]model.Appointment, error)
	ListTasks(ctx context.Context, appointmentID string) ([]model.Task, error)
}

type Expander interface {
	Expand(ctx context.Context, appt model.Appointment, services []model.OfferedService) *tasks.Expansion
}

type CancelMode string

const (
	// CancelRetain keeps cancelled rows with status cancelled.
	CancelRetain CancelMode = "retain"
	// CancelPurge hard-deletes the appointment after its tasks.
	CancelPurge CancelMode = "purge"
)

type Options struct {
	Step        time.Duration
	Location    *time.Location
	CancelMode  CancelMode
	LockTimeout time.Duration
	Now         func() time.Time
}

type Manager struct {
	store       Store
	calc        *availability.Calculator
	locker      lock.Locker
	expander    Expander
	logger      *slog.Logger
	loc         *time.Location
	purge       bool
	lockTimeout time.Duration
	now         func() time.Time
}

func NewManager(store Store, locker lock.Locker, expander Expander, logger *slog.Logger, opts Options) *Manager {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:       store,
		calc:        availability.NewCalculator(store, store, opts.Step),
		locker:      locker,
		expander:    expander,
		logger:      logger,
		loc:         opts.Location,
		purge:       opts.CancelMode == CancelPurge,
		lockTimeout: opts.LockTimeout,
		now:         opts.Now,
	}
}

var tracer = otelx.Tracer("appointments")

// Today is the current civil date in the garage time zone.
func (m *Manager) Today() time.Time {
	return model.DateOf(m.now().In(m.loc))
}

// Step is the slot granularity.
func (m *Manager) Step() time.Duration {
	return m.calc.Step()
}

// AvailableSlots lists start times for a booking of durationMinutes on date.
func (m *Manager) AvailableSlots(ctx context.Context, garageID string, date time.Time, durationMinutes int) ([]time.Time, error) {
	if garageID == "" {
		return nil, invalid("garage_id is required")
	}
	if durationMinutes <= 0 {
		return nil, invalid("duration must be positive")
	}
	date = model.DateOf(date)
	if date.Before(m.Today()) {
		return nil, invalid("date %s is in the past", date.Format(model.DateLayout))
	}
	return m.calc.ComputeSlots(ctx, garageID, date, time.Duration(durationMinutes)*time.Minute)
}

// AvailableSlotsForServices sums the durations of serviceIDs and lists matching start times.
func (m *Manager) AvailableSlotsForServices(ctx context.Context, garageID string, date time.Time, serviceIDs []string) ([]time.Time, error) {
	mins, err := m.ServicesDuration(ctx, garageID, serviceIDs)
	if err != nil {
		return nil, err
	}
	return m.AvailableSlots(ctx, garageID, date, mins)
}

// ServicesDuration is the booking length in minutes for the selected services.
func (m *Manager) ServicesDuration(ctx context.Context, garageID string, serviceIDs []string) (int, error) {
	services, err := m.loadServices(ctx, garageID, serviceIDs)
	if err != nil {
		return 0, err
	}
	return model.TotalDuration(services), nil
}

type BookRequest struct {
	GarageID       string
	VehicleID      string
	Date           time.Time
	StartMinute    int
	ServiceIDs     []string
	IdempotencyKey string
}

// Book validates the request, re-checks the slot under the per-garage-date lock and
// commits a Scheduled appointment with no tasks. Task expansion starts afterwards and is
// returned as a handle; it is nil when an idempotent replay returned an earlier booking.
func (m *Manager) Book(ctx context.Context, req BookRequest) (model.Appointment, *tasks.Expansion, error) {
	ctx, span := tracer.Start(ctx, "appointments.Book")
	defer span.End()
	span.SetAttributes(attribute.String("garage.id", req.GarageID), attribute.Int("services.count", len(req.ServiceIDs)))

	appt, expansion, err := m.book(ctx, req)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrInvalidRequest) && !errors.Is(err, ErrSlotConflict) {
			span.SetStatus(codes.Error, err.Error())
		}
		return model.Appointment{}, nil, err
	}
	span.SetAttributes(attribute.String("appointment.id", appt.ID))
	return appt, expansion, nil
}

// replay answers a repeated idempotency key with the booking it created. The key of a
// cancelled booking is spent.
func replay(prev model.Appointment) (model.Appointment, *tasks.Expansion, error) {
	if prev.Status == model.StatusCancelled {
		return model.Appointment{}, nil, fmt.Errorf("%w: idempotency key refers to cancelled appointment %s", ErrInvalidTransition, prev.ID)
	}
	return prev, nil, nil
}

func (m *Manager) book(ctx context.Context, req BookRequest) (model.Appointment, *tasks.Expansion, error) {
	if req.GarageID == "" || req.VehicleID == "" {
		return model.Appointment{}, nil, invalid("garage_id and vehicle_id are required")
	}
	serviceIDs := uniqueStrings(req.ServiceIDs)
	if len(serviceIDs) == 0 {
		return model.Appointment{}, nil, invalid("at least one service must be selected")
	}
	date := model.DateOf(req.Date)
	if date.Before(m.Today()) {
		return model.Appointment{}, nil, invalid("date %s is in the past", date.Format(model.DateLayout))
	}
	if req.StartMinute < 0 || req.StartMinute >= 24*60 {
		return model.Appointment{}, nil, invalid("start time out of range")
	}

	if req.IdempotencyKey != "" {
		prev, err := m.store.AppointmentByIdempotencyKey(ctx, req.GarageID, req.IdempotencyKey)
		if err == nil {
			return replay(prev)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Appointment{}, nil, err
		}
	}

	services, err := m.loadServices(ctx, req.GarageID, serviceIDs)
	if err != nil {
		return model.Appointment{}, nil, err
	}
	duration := time.Duration(model.TotalDuration(services)) * time.Minute
	start := date.Add(time.Duration(req.StartMinute) * time.Minute)

	// Cheap rejection before queueing on the lock.
	if err := m.calc.CheckWindow(ctx, req.GarageID, date, start, duration); err != nil {
		return model.Appointment{}, nil, m.slotError(err)
	}

	appt := model.Appointment{
		ID:              uuid.NewString(),
		GarageID:        req.GarageID,
		VehicleID:       req.VehicleID,
		Date:            date,
		StartMinute:     req.StartMinute,
		DurationMinutes: int(duration / time.Minute),
		Status:          model.StatusPending,
		ServiceIDs:      serviceIDs,
		IdempotencyKey:  req.IdempotencyKey,
		Expansion:       model.ExpansionPending,
	}

	err = m.commit(ctx, &appt, start, duration)
	switch {
	case errors.Is(err, storage.ErrSlotTaken), errors.Is(err, availability.ErrOverlap):
		return model.Appointment{}, nil, m.conflict(ctx, req.GarageID, date, duration)
	case errors.Is(err, storage.ErrDuplicateKey):
		prev, lookupErr := m.store.AppointmentByIdempotencyKey(ctx, req.GarageID, req.IdempotencyKey)
		if lookupErr != nil {
			return model.Appointment{}, nil, lookupErr
		}
		return replay(prev)
	case err != nil:
		return model.Appointment{}, nil, m.slotError(err)
	}

	m.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"garage_id", appt.GarageID,
		"date", date.Format(model.DateLayout),
		"start", model.FormatClock(appt.StartMinute),
		"duration_min", appt.DurationMinutes,
	)
	return appt, m.expander.Expand(ctx, appt, services), nil
}

// commit is the critical section: one booking per garage and date at a time.
func (m *Manager) commit(ctx context.Context, appt *model.Appointment, start time.Time, duration time.Duration) error {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()
	release, err := m.locker.Acquire(lockCtx, appt.GarageID+"|"+appt.Date.Format(model.DateLayout))
	if err != nil {
		return fmt.Errorf("acquire booking lock: %w", err)
	}
	defer release()

	if err := m.calc.Check(ctx, appt.GarageID, appt.Date, start, duration); err != nil {
		return err
	}

	if !appt.Status.CanTransition(model.StatusScheduled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, model.StatusScheduled)
	}
	appt.Status = model.StatusScheduled

	evt, err := outbox.NewAppointmentEvent(appt.ID, outbox.EventBooked, eventPayload(*appt))
	if err != nil {
		return err
	}
	return m.store.InsertAppointment(ctx, appt, evt)
}

func (m *Manager) conflict(ctx context.Context, garageID string, date time.Time, duration time.Duration) error {
	slots, err := m.calc.ComputeSlots(ctx, garageID, date, duration)
	if err != nil {
		m.logger.Warn("refreshing slots after conflict failed", "garage_id", garageID, "err", err)
	}
	return &SlotConflictError{Available: slots, Duration: duration}
}

func (m *Manager) slotError(err error) error {
	switch {
	case errors.Is(err, availability.ErrOutsideHours):
		return invalid("requested time is outside business hours")
	case errors.Is(err, availability.ErrOffGrid):
		return invalid("start time must be on a %d-minute boundary from opening", int(m.calc.Step()/time.Minute))
	}
	return err
}

// Cancel cancels the appointment and deletes its tasks. Unknown and already cancelled
// appointments are a successful no-op.
func (m *Manager) Cancel(ctx context.Context, appointmentID string) error {
	ctx, span := tracer.Start(ctx, "appointments.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	if appointmentID == "" {
		return invalid("appointment_id is required")
	}
	_, err := m.store.MutateAppointment(ctx, appointmentID, func(a *model.Appointment) (storage.Change, error) {
		if a.Status == model.StatusCancelled {
			return storage.Change{Skip: true}, nil
		}
		return m.cancelChange(a, a.StatusComments)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	m.logger.Info("appointment cancelled", "appointment_id", appointmentID, "purged", m.purge)
	return nil
}

func (m *Manager) cancelChange(a *model.Appointment, comments string) (storage.Change, error) {
	if !a.Status.CanTransition(model.StatusCancelled) {
		return storage.Change{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, model.StatusCancelled)
	}
	from := a.Status
	a.Status = model.StatusCancelled
	a.StatusComments = comments
	payload := eventPayload(*a)
	payload["previous_status"] = string(from)
	payload["purged"] = m.purge
	evt, err := outbox.NewAppointmentEvent(a.ID, outbox.EventCancelled, payload)
	if err != nil {
		return storage.Change{}, err
	}
	return storage.Change{Purge: m.purge, Events: []outbox.Event{evt}}, nil
}

// UpdateStatus moves the appointment along the status machine. An empty status only
// updates the comments; a nil comments pointer keeps them.
func (m *Manager) UpdateStatus(ctx context.Context, appointmentID string, status model.Status, comments *string) (model.Appointment, error) {
	if appointmentID == "" {
		return model.Appointment{}, invalid("appointment_id is required")
	}
	if status != "" && !status.Valid() {
		return model.Appointment{}, invalid("unknown status %q", status)
	}

	appt, err := m.store.MutateAppointment(ctx, appointmentID, func(a *model.Appointment) (storage.Change, error) {
		newComments := a.StatusComments
		if comments != nil {
			newComments = *comments
		}
		if status == "" || status == a.Status {
			if newComments == a.StatusComments {
				return storage.Change{Skip: true}, nil
			}
			a.StatusComments = newComments
			return storage.Change{}, nil
		}
		if status == model.StatusCancelled {
			return m.cancelChange(a, newComments)
		}
		if !a.Status.CanTransition(status) {
			return storage.Change{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
		}

		from := a.Status
		a.Status = status
		a.StatusComments = newComments
		payload := eventPayload(*a)
		payload["previous_status"] = string(from)
		evt, err := outbox.NewAppointmentEvent(a.ID, outbox.EventStatusChanged, payload)
		if err != nil {
			return storage.Change{}, err
		}
		return storage.Change{Events: []outbox.Event{evt}}, nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return model.Appointment{}, ErrNotFound
	}
	if err != nil {
		return model.Appointment{}, err
	}
	m.logger.Info("appointment updated", "appointment_id", appointmentID, "status", appt.Status)
	return appt, nil
}

// RetryExpansion re-runs task expansion for an appointment flagged incomplete (or stuck pending).
// Tasks that already exist are kept.
func (m *Manager) RetryExpansion(ctx context.Context, appointmentID string) (*tasks.Expansion, error) {
	appt, err := m.store.MutateAppointment(ctx, appointmentID, func(a *model.Appointment) (storage.Change, error) {
		if a.Status == model.StatusCancelled {
			return storage.Change{}, invalid("appointment is cancelled")
		}
		if a.Expansion == model.ExpansionComplete {
			return storage.Change{}, invalid("tasks are already complete")
		}
		a.Expansion = model.ExpansionPending
		a.ExpansionFailures = nil
		return storage.Change{}, nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	services, err := m.store.ServicesByIDs(ctx, appt.GarageID, appt.ServiceIDs)
	if err != nil {
		return nil, err
	}
	return m.expander.Expand(ctx, appt, services), nil
}

func (m *Manager) loadServices(ctx context.Context, garageID string, ids []string) ([]model.OfferedService, error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil, invalid("at least one service must be selected")
	}
	services, err := m.store.ServicesByIDs(ctx, garageID, ids)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	if len(services) != len(ids) {
		return nil, invalid("unknown service for garage %s", garageID)
	}
	return services, nil
}

func eventPayload(a model.Appointment) map[string]any {
	return map[string]any{
		"appointment_id":       a.ID,
		"garage_id":            a.GarageID,
		"vehicle_id":           a.VehicleID,
		"date":                 a.Date.Format(model.DateLayout),
		"start_time":           model.FormatClock(a.StartMinute),
		"duration_minutes":     a.DurationMinutes,
		"estimated_completion": a.EstimatedCompletion().Format("15:04"),
		"status":               string(a.Status),
		"service_ids":          a.ServiceIDs,
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
