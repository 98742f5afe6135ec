package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-billing/internal/db"
)

const slotConstraint = "appointments_doctor_slot_live"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, doctor_id, department, starts_at, ends_at, status,
	previous_appointment_id, reason, created_by, updated_by, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var prev *uuid.UUID

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Department,
		&a.StartsAt,
		&a.EndsAt,
		&a.Status,
		&prev,
		&a.Reason,
		&a.CreatedBy,
		&a.UpdatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.PreviousAppointmentID = prev
	return &a, nil
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, a *Appointment) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, department, starts_at, ends_at, status,
			previous_appointment_id, reason, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.DoctorID, a.Department, a.StartsAt, a.EndsAt, a.Status,
		a.PreviousAppointmentID, a.Reason, a.CreatedBy)

	created, err := scanAppointment(row)
	if err != nil {
		if db.IsUniqueViolation(err, slotConstraint) {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *created
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) List(ctx context.Context, f Filter) ([]Appointment, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.PatientID != nil {
		where = append(where, "patient_id = "+arg(*f.PatientID))
	}
	if f.DoctorID != nil {
		where = append(where, "doctor_id = "+arg(*f.DoctorID))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(string(*f.Status)))
	} else if !f.IncludeCancelled {
		where = append(where, "status <> 'CANCELLED'")
	}
	if f.From != nil {
		where = append(where, "starts_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "starts_at < "+arg(*f.To))
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY starts_at, id LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, actorID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_by = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, actorID)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrConcurrentUpdate
	}
	return a, err
}

func (r *PgRepository) Reschedule(ctx context.Context, id uuid.UUID, from Status, doctorID string, startsAt, endsAt time.Time, actorID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'RESCHEDULED',
		    doctor_id = $3,
		    starts_at = $4,
		    ends_at = $5,
		    updated_by = $6,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentColumns,
		id, from, doctorID, startsAt, endsAt, actorID)

	a, err := scanAppointment(row)
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return nil, ErrConcurrentUpdate
	case db.IsUniqueViolation(err, slotConstraint):
		return nil, ErrSlotTaken
	case err != nil:
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}
	return a, nil
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) LiveAtSlot(ctx context.Context, doctorID string, startsAt time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE doctor_id = $1
		  AND starts_at = $2
		  AND status <> 'CANCELLED'
	`, doctorID, startsAt)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *PgRepository) LiveStartTimes(ctx context.Context, doctorID string, from, to time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT starts_at
		FROM appointments
		WHERE doctor_id = $1
		  AND starts_at >= $2
		  AND starts_at < $3
		  AND status <> 'CANCELLED'
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[time.Time])
}
