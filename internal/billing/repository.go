package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
)

var (
	ErrBillNotFound      = apperr.NotFound("bill not found")
	ErrNothingToBill     = apperr.NotFound("no billable appointments for this patient")
	ErrPendingBillExists = apperr.Conflict("another pending bill was created concurrently, retry")
	ErrAlreadyBilled     = apperr.Conflict("appointment is already on another bill")
	ErrBillNotPending    = apperr.Conflict("bill is no longer pending")
	ErrPaymentInFlight   = apperr.Conflict("a payment for this bill is in progress")
)

type Repository interface {
	// Candidates returns the patient's appointments in an eligible status
	// that are not on any bill yet, plus those already on the patient's
	// pending bill that are still billable.
	Candidates(ctx context.Context, patientID string) ([]Candidate, error)

	GetPending(ctx context.Context, patientID string) (*Bill, error)
	LatestPaid(ctx context.Context, patientID string) (*Bill, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)

	// SavePending inserts or updates the pending bill and replaces its item
	// set in one transaction. A bill with a payment in flight is left alone
	// and ErrPaymentInFlight is returned.
	SavePending(ctx context.Context, b *Bill) error

	// DiscardPending removes a pending bill that has nothing left to bill.
	// Bills that already carry failed payment attempts are kept as
	// CANCELLED so the payments still point somewhere; deleted reports
	// which of the two happened.
	DiscardPending(ctx context.Context, id uuid.UUID) (deleted bool, err error)

	DoctorSeesPatient(ctx context.Context, doctorID, patientID string) (bool, error)
}
