package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-billing/internal/db"
)

const (
	inflightConstraint       = "payments_one_inflight"
	oneSuccessConstraint     = "payments_one_success"
	receiptPaymentConstraint = "receipts_payment_unique"
	receiptNumberConstraint  = "receipts_number_unique"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const paymentColumns = `id, bill_id, method, status, amount, card_last4, gateway_ref, auth_code,
	failure_reason, created_by, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.BillID,
		&p.Method,
		&p.Status,
		&p.Amount,
		&p.CardLast4,
		&p.GatewayRef,
		&p.AuthCode,
		&p.FailureReason,
		&p.CreatedBy,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) Open(ctx context.Context, p *Payment, billUpdatedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	var total int64
	var updatedAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT status, total_payable, updated_at
		FROM bills
		WHERE id = $1
		FOR UPDATE
	`, p.BillID).Scan(&status, &total, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBillNotPayable
	}
	if err != nil {
		return fmt.Errorf("lock bill: %w", err)
	}
	switch {
	case status == "PAID":
		return ErrBillAlreadyPaid
	case status != "PENDING":
		return ErrBillNotPayable
	case total != p.Amount, !updatedAt.Equal(billUpdatedAt):
		return ErrBillChanged
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO payments (id, bill_id, method, status, amount, card_last4, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, 'PENDING', $4, $5, $6, now(), now())
		RETURNING `+paymentColumns,
		p.ID, p.BillID, p.Method, p.Amount, p.CardLast4, p.CreatedBy)
	opened, err := scanPayment(row)
	if db.IsUniqueViolation(err, inflightConstraint) {
		return ErrPaymentInFlight
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit payment: %w", err)
	}
	*p = *opened
	return nil
}

func (r *PgRepository) Settle(ctx context.Context, paymentID, billID uuid.UUID, gatewayRef, authCode *string) (*Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE payments
		SET status = 'SUCCESS',
		    gateway_ref = $2,
		    auth_code = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'PENDING'
		RETURNING `+paymentColumns,
		paymentID, gatewayRef, authCode)
	settled, err := scanPayment(row)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		return nil, ErrNotPending
	case db.IsUniqueViolation(err, oneSuccessConstraint):
		return nil, ErrBillAlreadyPaid
	case err != nil:
		return nil, fmt.Errorf("settle payment: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE bills
		SET status = 'PAID',
		    total_payable = 0,
		    paid_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'PENDING'
	`, billID)
	if err != nil {
		return nil, fmt.Errorf("mark bill paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrBillAlreadyPaid
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}
	return settled, nil
}

func (r *PgRepository) Fail(ctx context.Context, paymentID uuid.UUID, status Status, reason string, gatewayRef *string) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    failure_reason = $3,
		    gateway_ref = COALESCE($4, gateway_ref),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'PENDING'
		RETURNING `+paymentColumns,
		paymentID, status, reason, gatewayRef)
	p, err := scanPayment(row)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, ErrNotPending
	}
	return p, err
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *PgRepository) ListByBill(ctx context.Context, billID uuid.UUID) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE bill_id = $1
		ORDER BY created_at, id
	`, billID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	result := []Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// Receipts

func (r *PgRepository) GetReceiptByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	var rc Receipt
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, payment_id, receipt_number, payload, verification_token, qr_png, issued_at
		FROM receipts
		WHERE payment_id = $1
	`, paymentID).Scan(&rc.ID, &rc.PaymentID, &rc.ReceiptNumber, &raw, &rc.VerificationToken, &rc.QRPNG, &rc.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &rc.Payload); err != nil {
		return nil, fmt.Errorf("decode receipt payload: %w", err)
	}
	return &rc, nil
}

func (r *PgRepository) InsertReceipt(ctx context.Context, rc *Receipt) (bool, error) {
	raw, err := json.Marshal(rc.Payload)
	if err != nil {
		return false, fmt.Errorf("encode receipt payload: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO receipts (id, payment_id, receipt_number, payload, verification_token, qr_png, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ON CONSTRAINT `+receiptPaymentConstraint+` DO NOTHING
	`, rc.ID, rc.PaymentID, rc.ReceiptNumber, raw, rc.VerificationToken, rc.QRPNG, rc.IssuedAt)
	if db.IsUniqueViolation(err, receiptNumberConstraint) {
		return false, errReceiptNumberTaken
	}
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
