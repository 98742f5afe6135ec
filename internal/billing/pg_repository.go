package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-billing/internal/appointment"
	"github.com/hackgods/clinic-scheduling-billing/internal/db"
)

const (
	onePendingConstraint = "bills_one_pending_per_patient"
	itemConstraint       = "bill_items_appointment_unique"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const billColumns = `id, patient_id, status, subtotal, insurance_discount, government_cover,
	total_payable, paid_at, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(
		&b.ID,
		&b.PatientID,
		&b.Status,
		&b.Subtotal,
		&b.InsuranceDiscount,
		&b.GovernmentCover,
		&b.TotalPayable,
		&b.PaidAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, err
	}
	return &b, nil
}

func statusStrings(ss []appointment.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (r *PgRepository) Candidates(ctx context.Context, patientID string) ([]Candidate, error) {
	eligible := statusStrings(appointment.EligibleStatuses)
	// a visit completed while already on the pending bill stays billed
	onPending := append(eligible, string(appointment.StatusCompleted))

	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.doctor_id, a.department, a.starts_at
		FROM appointments a
		LEFT JOIN bill_items bi ON bi.appointment_id = a.id
		LEFT JOIN bills b ON b.id = bi.bill_id
		WHERE a.patient_id = $1
		  AND (
		        (bi.id IS NULL AND a.status = ANY($2))
		     OR (b.status = 'PENDING' AND b.patient_id = $1 AND a.status = ANY($3))
		  )
		ORDER BY a.starts_at, a.id
	`, patientID, eligible, onPending)
	if err != nil {
		return nil, fmt.Errorf("query bill candidates: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Candidate, error) {
		var c Candidate
		err := row.Scan(&c.AppointmentID, &c.DoctorID, &c.Department, &c.StartsAt)
		return c, err
	})
}

func (r *PgRepository) GetPending(ctx context.Context, patientID string) (*Bill, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE patient_id = $1
		  AND status = 'PENDING'
	`, patientID)
	return r.withItems(ctx, row)
}

func (r *PgRepository) LatestPaid(ctx context.Context, patientID string) (*Bill, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE patient_id = $1
		  AND status = 'PAID'
		ORDER BY updated_at DESC
		LIMIT 1
	`, patientID)
	return r.withItems(ctx, row)
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE id = $1
	`, id)
	return r.withItems(ctx, row)
}

func (r *PgRepository) withItems(ctx context.Context, row pgx.Row) (*Bill, error) {
	b, err := scanBill(row)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, bill_id, appointment_id, description, unit_price, insurance_discount, line_total, created_at
		FROM bill_items
		WHERE bill_id = $1
		ORDER BY created_at, id
	`, b.ID)
	if err != nil {
		return nil, fmt.Errorf("load bill items: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[BillItem])
	if err != nil {
		return nil, fmt.Errorf("load bill items: %w", err)
	}
	b.Items = items
	return b, nil
}

// lockBill takes the row lock that card settlement also takes before it
// opens a payment, so reconciliation and settlement never interleave.
func lockBill(ctx context.Context, tx pgx.Tx, id uuid.UUID) (status Status, inflight, hasPayments bool, err error) {
	err = tx.QueryRow(ctx, `
		SELECT b.status,
		       EXISTS (SELECT 1 FROM payments p WHERE p.bill_id = b.id AND p.status = 'PENDING'),
		       EXISTS (SELECT 1 FROM payments p WHERE p.bill_id = b.id)
		FROM bills b
		WHERE b.id = $1
		FOR UPDATE OF b
	`, id).Scan(&status, &inflight, &hasPayments)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrBillNotFound
	}
	return status, inflight, hasPayments, err
}

func (r *PgRepository) SavePending(ctx context.Context, b *Bill) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	status, inflight, _, err := lockBill(ctx, tx, b.ID)
	switch {
	case errors.Is(err, ErrBillNotFound):
		_, err = tx.Exec(ctx, `
			INSERT INTO bills (id, patient_id, status, subtotal, insurance_discount, government_cover,
				total_payable, created_at, updated_at)
			VALUES ($1, $2, 'PENDING', $3, $4, $5, $6, now(), now())
		`, b.ID, b.PatientID, b.Subtotal, b.InsuranceDiscount, b.GovernmentCover, b.TotalPayable)
		if db.IsUniqueViolation(err, onePendingConstraint) {
			return ErrPendingBillExists
		}
		if err != nil {
			return fmt.Errorf("insert bill: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lock bill: %w", err)
	case status != StatusPending:
		return ErrBillNotPending
	case inflight:
		return ErrPaymentInFlight
	default:
		_, err = tx.Exec(ctx, `
			UPDATE bills
			SET subtotal = $2,
			    insurance_discount = $3,
			    government_cover = $4,
			    total_payable = $5,
			    updated_at = now()
			WHERE id = $1
		`, b.ID, b.Subtotal, b.InsuranceDiscount, b.GovernmentCover, b.TotalPayable)
		if err != nil {
			return fmt.Errorf("update bill: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, b.ID); err != nil {
			return fmt.Errorf("clear bill items: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, it := range b.Items {
		batch.Queue(`
			INSERT INTO bill_items (id, bill_id, appointment_id, description, unit_price, insurance_discount,
				line_total, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		`, it.ID, b.ID, it.AppointmentID, it.Description, it.UnitPrice, it.InsuranceDiscount, it.LineTotal)
	}
	br := tx.SendBatch(ctx, batch)
	for range b.Items {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if db.IsUniqueViolation(err, itemConstraint) {
				return ErrAlreadyBilled
			}
			return fmt.Errorf("insert bill item: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert bill items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bill: %w", err)
	}

	fresh, err := r.GetByID(ctx, b.ID)
	if err != nil {
		return err
	}
	*b = *fresh
	return nil
}

func (r *PgRepository) DiscardPending(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	status, inflight, hasPayments, err := lockBill(ctx, tx, id)
	switch {
	case err != nil:
		return false, err
	case status != StatusPending:
		return false, ErrBillNotPending
	case inflight:
		return false, ErrPaymentInFlight
	}

	deleted := !hasPayments
	if deleted {
		_, err = tx.Exec(ctx, `DELETE FROM bills WHERE id = $1`, id)
	} else {
		if _, err = tx.Exec(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, id); err == nil {
			_, err = tx.Exec(ctx, `
				UPDATE bills
				SET status = 'CANCELLED',
				    subtotal = 0,
				    insurance_discount = 0,
				    government_cover = 0,
				    total_payable = 0,
				    updated_at = now()
				WHERE id = $1
			`, id)
		}
	}
	if err != nil {
		return false, fmt.Errorf("discard bill: %w", err)
	}

	return deleted, tx.Commit(ctx)
}

func (r *PgRepository) DoctorSeesPatient(ctx context.Context, doctorID, patientID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments WHERE doctor_id = $1 AND patient_id = $2
		)
	`, doctorID, patientID).Scan(&ok)
	return ok, err
}
