package storage

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrSlotTaken means another active appointment already covers part of the interval.
	ErrSlotTaken = errors.New("slot already booked")
	// ErrDuplicateKey means the idempotency key was used by an earlier booking.
	ErrDuplicateKey = errors.New("idempotency key already used")
	// ErrAppointmentClosed is returned to task writers when the appointment is cancelled or gone.
	ErrAppointmentClosed = errors.New("appointment cancelled or removed")
)

const (
	sqlstateExclusionViolation  = "23P01"
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotTaken) || pgCode(err) == sqlstateExclusionViolation
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
