package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
	"github.com/jackc/pgx/v5"
)

// InsertTask writes one task snapshot. The parent row is share-locked so a concurrent
// cancellation either sees this task and deletes it, or commits first and makes this call
// fail with ErrAppointmentClosed. Re-inserting the same service is a no-op.
func (s *Postgres) InsertTask(ctx context.Context, task model.Task) error {
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM appointments WHERE id = $1 FOR SHARE
		`, task.AppointmentID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAppointmentClosed
		}
		if err != nil {
			return err
		}
		if model.Status(status) == model.StatusCancelled {
			return ErrAppointmentClosed
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO appointment_tasks (id, appointment_id, offered_service_id, service_name, price, duration_minutes)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)
			ON CONFLICT (appointment_id, offered_service_id) DO NOTHING
		`, task.ID, task.AppointmentID, task.OfferedServiceID, task.ServiceName, task.Price, task.DurationMinutes)
		return err
	})
	if pgCode(err) == sqlstateForeignKeyViolation {
		return ErrAppointmentClosed
	}
	return err
}

func (s *Postgres) ListTasks(ctx context.Context, appointmentID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, appointment_id, offered_service_id, service_name, price::text, duration_minutes, created_at
		FROM appointment_tasks
		WHERE appointment_id = $1
		ORDER BY created_at, id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.AppointmentID, &t.OfferedServiceID, &t.ServiceName, &t.Price, &t.DurationMinutes, &t.CreatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FinishExpansion records the terminal expansion state unless the appointment was
// cancelled in the meantime.
func (s *Postgres) FinishExpansion(ctx context.Context, appointmentID string, state model.ExpansionState, failures []model.TaskFailure, evt outbox.Event) error {
	body := []byte("[]")
	if len(failures) > 0 {
		var err error
		if body, err = json.Marshal(failures); err != nil {
			return err
		}
	}
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET expansion_state = $2,
				expansion_failures = $3::jsonb,
				updated_at = now()
			WHERE id = $1 AND status <> 'cancelled'
		`, appointmentID, string(state), string(body))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAppointmentClosed
		}
		return s.outbox.Insert(ctx, tx, evt)
	})
}
