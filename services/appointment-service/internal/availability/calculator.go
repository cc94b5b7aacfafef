package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
)

var (
	ErrOutsideHours = errors.New("slot is outside business hours")
	ErrOffGrid      = errors.New("slot is not on the booking grid")
	ErrOverlap      = errors.New("slot overlaps an existing appointment")
)

// HoursSource is the read side of the business-hours registry.
type HoursSource interface {
	BusinessHours(ctx context.Context, garageID string) ([]model.BusinessHours, error)
	CalendarException(ctx context.Context, garageID string, date time.Time) (*model.CalendarException, error)
}

// LedgerSource lists the non-cancelled appointments of one garage on one date.
type LedgerSource interface {
	ActiveAppointments(ctx context.Context, garageID string, date time.Time) ([]model.Appointment, error)
}

// Calculator computes free start times from the registry and the ledger as of call time.
// It never writes.
type Calculator struct {
	hours  HoursSource
	ledger LedgerSource
	step   time.Duration
}

func NewCalculator(hours HoursSource, ledger LedgerSource, step time.Duration) *Calculator {
	if step <= 0 {
		step = 30 * time.Minute
	}
	return &Calculator{hours: hours, ledger: ledger, step: step}
}

func (c *Calculator) Step() time.Duration {
	return c.step
}

func (c *Calculator) Window(ctx context.Context, garageID string, date time.Time) (Interval, bool, error) {
	hours, err := c.hours.BusinessHours(ctx, garageID)
	if err != nil {
		return Interval{}, false, fmt.Errorf("load business hours: %w", err)
	}
	exc, err := c.hours.CalendarException(ctx, garageID, date)
	if err != nil {
		return Interval{}, false, fmt.Errorf("load calendar exception: %w", err)
	}
	win, open := EffectiveWindow(date, hours, exc)
	return win, open, nil
}

// ComputeSlots returns ascending start times for a booking of duration on date.
// An empty result means no availability.
func (c *Calculator) ComputeSlots(ctx context.Context, garageID string, date time.Time, duration time.Duration) ([]time.Time, error) {
	win, open, err := c.Window(ctx, garageID, date)
	if err != nil || !open {
		return nil, err
	}
	appts, err := c.ledger.ActiveAppointments(ctx, garageID, model.DateOf(date))
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	return AvailableSlots(win.Start, win.End, duration, c.step, BusyIntervals(appts)), nil
}

// CheckWindow validates start against the effective hours only. The overlap half of the
// check runs later, under the booking lock.
func (c *Calculator) CheckWindow(ctx context.Context, garageID string, date, start time.Time, duration time.Duration) error {
	win, open, err := c.Window(ctx, garageID, date)
	if err != nil {
		return err
	}
	if !open {
		return ErrOutsideHours
	}
	return InWindow(win, start, duration, c.step)
}

// Check runs the full single-slot validation against the current ledger.
func (c *Calculator) Check(ctx context.Context, garageID string, date, start time.Time, duration time.Duration) error {
	win, open, err := c.Window(ctx, garageID, date)
	if err != nil {
		return err
	}
	if !open {
		return ErrOutsideHours
	}
	appts, err := c.ledger.ActiveAppointments(ctx, garageID, model.DateOf(date))
	if err != nil {
		return fmt.Errorf("load appointments: %w", err)
	}
	return Fits(win, start, duration, c.step, BusyIntervals(appts))
}
