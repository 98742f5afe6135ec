package payment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
)

var (
	ErrPaymentNotFound    = apperr.NotFound("payment not found")
	ErrReceiptNotFound    = apperr.NotFound("receipt not found")
	ErrBillAlreadyPaid    = apperr.Conflict("bill is already paid")
	ErrBillNotPayable     = apperr.Conflict("bill is not payable")
	ErrBillChanged        = apperr.Conflict("bill changed since it was fetched, refetch and retry")
	ErrPaymentInFlight    = apperr.Conflict("another payment for this bill is in progress")
	ErrNotPending         = apperr.Conflict("payment is no longer pending")
	errReceiptNumberTaken = apperr.Conflict("receipt number collision")
)

type Repository interface {
	// Open records a PENDING attempt. It locks the bill row, requires the
	// bill to still be PENDING, unchanged since billUpdatedAt and with
	// total_payable equal to p.Amount, and relies on the one-in-flight index
	// to turn away a second attempt.
	Open(ctx context.Context, p *Payment, billUpdatedAt time.Time) error

	// Settle moves the payment to SUCCESS and the bill to PAID in one
	// transaction; the bill update only applies while it is still PENDING.
	Settle(ctx context.Context, paymentID, billID uuid.UUID, gatewayRef, authCode *string) (*Payment, error)

	// Fail moves a PENDING payment to DECLINED or ERROR.
	Fail(ctx context.Context, paymentID uuid.UUID, status Status, reason string, gatewayRef *string) (*Payment, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListByBill(ctx context.Context, billID uuid.UUID) ([]Payment, error)

	GetReceiptByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error)
	// InsertReceipt reports false when a receipt for the payment already
	// exists; the caller reloads it.
	InsertReceipt(ctx context.Context, r *Receipt) (bool, error)
}
