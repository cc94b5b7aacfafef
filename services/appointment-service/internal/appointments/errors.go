package appointments

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrSlotConflict      = errors.New("slot no longer available")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("appointment not found")
)

// SlotConflictError is returned when a booking lost the race for its slot. Available holds
// the refreshed start times for the same date and Duration.
type SlotConflictError struct {
	Available []time.Time
	Duration  time.Duration
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("%s (%d alternative slots)", ErrSlotConflict, len(e.Available))
}

func (e *SlotConflictError) Is(target error) bool {
	return target == ErrSlotConflict
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
