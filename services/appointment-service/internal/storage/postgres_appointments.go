package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
	"github.com/jackc/pgx/v5"
)

const appointmentColumns = `
	id, garage_id, vehicle_id, appt_date, start_minute, duration_minutes, status, status_comments,
	service_ids, COALESCE(idempotency_key, ''), expansion_state, expansion_failures::text,
	created_at, updated_at, cancelled_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var status, expansion, failures string
	err := row.Scan(
		&a.ID,
		&a.GarageID,
		&a.VehicleID,
		&a.Date,
		&a.StartMinute,
		&a.DurationMinutes,
		&status,
		&a.StatusComments,
		&a.ServiceIDs,
		&a.IdempotencyKey,
		&expansion,
		&failures,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CancelledAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.Status(status)
	a.Expansion = model.ExpansionState(expansion)
	if failures != "" && failures != "[]" {
		if err := json.Unmarshal([]byte(failures), &a.ExpansionFailures); err != nil {
			return model.Appointment{}, fmt.Errorf("decode expansion failures: %w", err)
		}
	}
	return a, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (s *Postgres) ActiveAppointments(ctx context.Context, garageID string, date time.Time) ([]model.Appointment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE garage_id = $1 AND appt_date = $2 AND status <> 'cancelled'
		ORDER BY start_minute
	`, garageID, model.DateOf(date))
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// InsertAppointment commits a booking. Bookings for the same garage and date are
// serialised with a transaction-scoped advisory lock, the overlap is re-checked under it,
// and the exclusion constraint backs both up. evt is written to the outbox in the same
// transaction.
func (s *Postgres) InsertAppointment(ctx context.Context, appt *model.Appointment, evt outbox.Event) error {
	date := model.DateOf(appt.Date)
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		lockKey := appt.GarageID + "|" + date.Format(model.DateLayout)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return err
		}

		var taken bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM appointments
				WHERE garage_id = $1
					AND appt_date = $2
					AND status <> 'cancelled'
					AND start_minute < $4
					AND start_minute + duration_minutes > $3
			)
		`, appt.GarageID, date, appt.StartMinute, appt.EndMinute()).Scan(&taken); err != nil {
			return err
		}
		if taken {
			return ErrSlotTaken
		}

		var idemKey *string
		if appt.IdempotencyKey != "" {
			idemKey = &appt.IdempotencyKey
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO appointments
				(id, garage_id, vehicle_id, appt_date, start_minute, duration_minutes, status, status_comments,
				 service_ids, idempotency_key, expansion_state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at, updated_at
		`, appt.ID, appt.GarageID, appt.VehicleID, date, appt.StartMinute, appt.DurationMinutes,
			string(appt.Status), appt.StatusComments, appt.ServiceIDs, idemKey, string(appt.Expansion),
		).Scan(&appt.CreatedAt, &appt.UpdatedAt)
		if err != nil {
			return err
		}
		return s.outbox.Insert(ctx, tx, evt)
	})
	switch pgCode(err) {
	case sqlstateExclusionViolation:
		return ErrSlotTaken
	case sqlstateUniqueViolation:
		return ErrDuplicateKey
	}
	return err
}

func (s *Postgres) AppointmentByIdempotencyKey(ctx context.Context, garageID, key string) (model.Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE garage_id = $1 AND idempotency_key = $2
	`, garageID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	return a, err
}

func (s *Postgres) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	return a, err
}

// MutateAppointment locks the row, lets fn edit it and persists the result.
func (s *Postgres) MutateAppointment(ctx context.Context, id string, fn Mutation) (model.Appointment, error) {
	var out model.Appointment
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		before, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1
			FOR UPDATE
		`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		after := before
		change, err := fn(&after)
		if err != nil {
			return err
		}
		if change.Skip {
			out = before
			return nil
		}

		cancelling := before.Status != model.StatusCancelled && after.Status == model.StatusCancelled
		if cancelling {
			if _, err := tx.Exec(ctx, `DELETE FROM appointment_tasks WHERE appointment_id = $1`, id); err != nil {
				return err
			}
		}

		if change.Purge {
			if _, err := tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id); err != nil {
				return err
			}
		} else {
			failures, err := json.Marshal(after.ExpansionFailures)
			if err != nil {
				return err
			}
			if after.ExpansionFailures == nil {
				failures = []byte("[]")
			}
			err = tx.QueryRow(ctx, `
				UPDATE appointments
				SET status = $2,
					status_comments = $3,
					expansion_state = $4,
					expansion_failures = $5::jsonb,
					cancelled_at = CASE WHEN $6::boolean THEN now() ELSE cancelled_at END,
					updated_at = now()
				WHERE id = $1
				RETURNING updated_at, cancelled_at
			`, id, string(after.Status), after.StatusComments, string(after.Expansion), string(failures), cancelling,
			).Scan(&after.UpdatedAt, &after.CancelledAt)
			if err != nil {
				return err
			}
		}

		for _, evt := range change.Events {
			if err := s.outbox.Insert(ctx, tx, evt); err != nil {
				return err
			}
		}
		out = after
		return nil
	})
	return out, err
}

func (s *Postgres) ListAppointments(ctx context.Context, q AppointmentQuery) ([]model.Appointment, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.GarageID != "" {
		add("garage_id = $%d", q.GarageID)
	}
	if q.VehicleID != "" {
		add("vehicle_id = $%d", q.VehicleID)
	}
	if q.From != nil {
		add("appt_date >= $%d", model.DateOf(*q.From))
	}
	if q.To != nil {
		add("appt_date <= $%d", model.DateOf(*q.To))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		add("status = ANY($%d)", statuses)
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Newest {
		sql += " ORDER BY appt_date DESC, start_minute DESC, id DESC"
	} else {
		sql += " ORDER BY appt_date, start_minute, id"
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// PendingExpansions lists active appointments created before cutoff whose tasks were never
// fully written.
func (s *Postgres) PendingExpansions(ctx context.Context, cutoff time.Time, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE expansion_state = 'pending' AND status <> 'cancelled' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}
