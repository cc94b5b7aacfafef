package storage

import (
	"context"
	"errors"
	"time"

	"github.com/garagebook/garagebook/libs/db"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
	"github.com/jackc/pgx/v5"
)

// Postgres is the durable ledger, hours registry and service catalog.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: outboxRepo}
}

func (s *Postgres) BusinessHours(ctx context.Context, garageID string) ([]model.BusinessHours, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT garage_id, weekday, open_minute, close_minute
		FROM business_hours
		WHERE garage_id = $1
		ORDER BY weekday
	`, garageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hours []model.BusinessHours
	for rows.Next() {
		var h model.BusinessHours
		var wd int16
		if err := rows.Scan(&h.GarageID, &wd, &h.OpenMinute, &h.CloseMinute); err != nil {
			return nil, err
		}
		h.Weekday = time.Weekday(wd)
		hours = append(hours, h)
	}
	return hours, rows.Err()
}

// ReplaceBusinessHours swaps the whole weekly timetable of a garage.
func (s *Postgres) ReplaceBusinessHours(ctx context.Context, garageID string, hours []model.BusinessHours) error {
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM business_hours WHERE garage_id = $1`, garageID); err != nil {
			return err
		}
		for _, h := range hours {
			if _, err := tx.Exec(ctx, `
				INSERT INTO business_hours (garage_id, weekday, open_minute, close_minute)
				VALUES ($1, $2, $3, $4)
			`, garageID, int16(h.Weekday), h.OpenMinute, h.CloseMinute); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Postgres) CalendarException(ctx context.Context, garageID string, date time.Time) (*model.CalendarException, error) {
	var exc model.CalendarException
	err := s.pool.QueryRow(ctx, `
		SELECT garage_id, exception_date, closed, open_minute, close_minute, reason
		FROM calendar_exceptions
		WHERE garage_id = $1 AND exception_date = $2
	`, garageID, model.DateOf(date)).Scan(&exc.GarageID, &exc.Date, &exc.Closed, &exc.OpenMinute, &exc.CloseMinute, &exc.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exc, nil
}

func (s *Postgres) UpsertCalendarException(ctx context.Context, exc model.CalendarException) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_exceptions (garage_id, exception_date, closed, open_minute, close_minute, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (garage_id, exception_date) DO UPDATE
		SET closed = EXCLUDED.closed,
			open_minute = EXCLUDED.open_minute,
			close_minute = EXCLUDED.close_minute,
			reason = EXCLUDED.reason
	`, exc.GarageID, model.DateOf(exc.Date), exc.Closed, exc.OpenMinute, exc.CloseMinute, exc.Reason)
	return err
}

func (s *Postgres) ServicesByIDs(ctx context.Context, garageID string, ids []string) ([]model.OfferedService, error) {
	return s.queryServices(ctx, `
		SELECT id, garage_id, category, name, price::text, duration_minutes
		FROM offered_services
		WHERE garage_id = $1 AND id = ANY($2)
		ORDER BY category, name
	`, garageID, ids)
}

func (s *Postgres) ListServices(ctx context.Context, garageID string) ([]model.OfferedService, error) {
	return s.queryServices(ctx, `
		SELECT id, garage_id, category, name, price::text, duration_minutes
		FROM offered_services
		WHERE garage_id = $1
		ORDER BY category, name
	`, garageID)
}

// AddServices inserts catalog entries, skipping names that already exist in the same
// category. It returns how many rows were new.
func (s *Postgres) AddServices(ctx context.Context, services []model.OfferedService) (int, error) {
	added := 0
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		for _, svc := range services {
			tag, err := tx.Exec(ctx, `
				INSERT INTO offered_services (id, garage_id, category, name, price, duration_minutes)
				VALUES ($1, $2, $3, $4, $5::numeric, $6)
				ON CONFLICT (garage_id, category, name) DO NOTHING
			`, svc.ID, svc.GarageID, svc.Category, svc.Name, svc.Price, svc.DurationMinutes)
			if err != nil {
				return err
			}
			added += int(tag.RowsAffected())
		}
		return nil
	})
	return added, err
}

func (s *Postgres) queryServices(ctx context.Context, sql string, args ...any) ([]model.OfferedService, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OfferedService
	for rows.Next() {
		var svc model.OfferedService
		if err := rows.Scan(&svc.ID, &svc.GarageID, &svc.Category, &svc.Name, &svc.Price, &svc.DurationMinutes); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}
