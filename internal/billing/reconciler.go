package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
	"github.com/hackgods/clinic-scheduling-billing/internal/audit"
	redisclient "github.com/hackgods/clinic-scheduling-billing/internal/redis"
)

const (
	ActionReconcile = "RECONCILE"
	ActionDiscard   = "DISCARD"
)

// PatientLookup resolves the pricing-relevant part of a patient record.
type PatientLookup interface {
	Coverage(ctx context.Context, patientID string) (Coverage, error)
}

// FeeSource is the configured consultation fee; ok is false when unset.
type FeeSource interface {
	ConsultationFee(ctx context.Context) (fee int64, ok bool, err error)
}

type Auditor interface {
	Record(ctx context.Context, entityType, entityID, actorID, action string, diff any)
}

type Config struct {
	BaseFee     int64
	DiscountBPS int64
}

// Reconciler keeps one pending bill per patient in step with the
// patient's billable appointments.
type Reconciler struct {
	repo     Repository
	patients PatientLookup
	fees     FeeSource
	locker   redisclient.Locker
	audit    Auditor
	cfg      Config
	log      *zap.Logger
}

func NewReconciler(repo Repository, patients PatientLookup, fees FeeSource, locker redisclient.Locker, auditor Auditor, cfg Config, log *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		patients: patients,
		fees:     fees,
		locker:   locker,
		audit:    auditor,
		cfg:      cfg,
		log:      log,
	}
}

func lockKey(patientID string) string {
	return "bill:patient:" + patientID
}

// BuildLatestBill regenerates the patient's pending bill. It returns
// ErrNothingToBill when no billable appointment remains, after discarding
// any pending bill that would otherwise be left empty.
func (r *Reconciler) BuildLatestBill(ctx context.Context, patientID string, who actor.Actor) (*Bill, error) {
	if err := r.checkAccess(ctx, patientID, who); err != nil {
		return nil, err
	}

	var out *Bill
	err := r.locker.WithLock(ctx, lockKey(patientID), func(ctx context.Context) error {
		b, err := r.reconcile(ctx, patientID, who)
		out = b
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, apperr.Conflict("bill is being updated, retry")
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reconcile is the post-approval hook. Having nothing to bill is not an
// error here.
func (r *Reconciler) Reconcile(ctx context.Context, patientID string, who actor.Actor) error {
	_, err := r.BuildLatestBill(ctx, patientID, who)
	if errors.Is(err, ErrNothingToBill) {
		return nil
	}
	return err
}

func (r *Reconciler) reconcile(ctx context.Context, patientID string, who actor.Actor) (*Bill, error) {
	cov, err := r.patients.Coverage(ctx, patientID)
	if err != nil {
		return nil, err
	}

	candidates, err := r.repo.Candidates(ctx, patientID)
	if err != nil {
		return nil, err
	}

	pending, err := r.repo.GetPending(ctx, patientID)
	if err != nil && !errors.Is(err, ErrBillNotFound) {
		return nil, fmt.Errorf("load pending bill: %w", err)
	}

	if len(candidates) == 0 {
		if pending != nil {
			deleted, err := r.repo.DiscardPending(ctx, pending.ID)
			if err != nil {
				return nil, err
			}
			r.audit.Record(ctx, audit.EntityBill, pending.ID.String(), who.ID, ActionDiscard, map[string]any{
				"patient_id": patientID,
				"deleted":    deleted,
			})
		}
		return nil, ErrNothingToBill
	}

	fee, err := r.fee(ctx)
	if err != nil {
		return nil, err
	}

	bill := &Bill{
		ID:        uuid.New(),
		PatientID: patientID,
		Status:    StatusPending,
	}
	if pending != nil {
		bill.ID = pending.ID
		bill.CreatedAt = pending.CreatedAt
	}
	bill.applyTotals(ComputeTotals(fee, len(candidates), cov, r.cfg.DiscountBPS))

	for _, c := range candidates {
		line := ComputeTotals(fee, 1, Coverage{Insured: cov.Insured}, r.cfg.DiscountBPS)
		bill.Items = append(bill.Items, BillItem{
			ID:                uuid.New(),
			BillID:            bill.ID,
			AppointmentID:     c.AppointmentID,
			Description:       describe(c),
			UnitPrice:         fee,
			InsuranceDiscount: line.InsuranceDiscount,
			LineTotal:         line.TotalPayable,
		})
	}

	if pending != nil && sameContent(pending, bill) {
		return pending, nil
	}

	if err := r.repo.SavePending(ctx, bill); err != nil {
		return nil, err
	}

	diff := map[string]any{
		"patient_id":         patientID,
		"appointment_ids":    appointmentIDs(bill.Items),
		"subtotal":           bill.Subtotal,
		"insurance_discount": bill.InsuranceDiscount,
		"government_cover":   bill.GovernmentCover,
		"total_payable":      bill.TotalPayable,
	}
	if pending != nil {
		diff["previous_total_payable"] = pending.TotalPayable
		diff["previous_appointment_ids"] = appointmentIDs(pending.Items)
	}
	r.audit.Record(ctx, audit.EntityBill, bill.ID.String(), who.ID, ActionReconcile, diff)

	return bill, nil
}

// GetCurrentBill returns the pending bill, or the most recently paid one.
func (r *Reconciler) GetCurrentBill(ctx context.Context, patientID string, who actor.Actor) (*Bill, error) {
	if err := r.checkAccess(ctx, patientID, who); err != nil {
		return nil, err
	}

	b, err := r.repo.GetPending(ctx, patientID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrBillNotFound) {
		return nil, err
	}
	return r.repo.LatestPaid(ctx, patientID)
}

// GetBill is used by settlement and by the HTTP layer.
func (r *Reconciler) GetBill(ctx context.Context, id uuid.UUID, who actor.Actor) (*Bill, error) {
	b, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.checkAccess(ctx, b.PatientID, who); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Reconciler) checkAccess(ctx context.Context, patientID string, who actor.Actor) error {
	switch {
	case who.IsStaff():
		return nil
	case who.IsPatient():
		if who.OwnsPatient(patientID) {
			return nil
		}
		return apperr.Forbidden("patients may only see their own bills")
	case who.IsDoctor():
		if who.DoctorProfileID == nil {
			return apperr.Forbidden("doctor account has no profile")
		}
		ok, err := r.repo.DoctorSeesPatient(ctx, *who.DoctorProfileID, patientID)
		if err != nil {
			return fmt.Errorf("check doctor access: %w", err)
		}
		if !ok {
			return apperr.Forbidden("doctor has no appointments with this patient")
		}
		return nil
	}
	return apperr.Forbidden("role may not access bills")
}

func (r *Reconciler) fee(ctx context.Context) (int64, error) {
	fee, ok, err := r.fees.ConsultationFee(ctx)
	if err != nil {
		return 0, fmt.Errorf("load consultation fee: %w", err)
	}
	if !ok || fee < 0 {
		return r.cfg.BaseFee, nil
	}
	return fee, nil
}

func describe(c Candidate) string {
	dept := c.Department
	if dept == "" {
		dept = "Consultation"
	}
	return fmt.Sprintf("%s with %s on %s", dept, c.DoctorID, c.StartsAt.UTC().Format(time.DateOnly))
}

func appointmentIDs(items []BillItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.AppointmentID.String())
	}
	return ids
}

// sameContent reports whether rebuilding would leave the bill unchanged.
func sameContent(old, next *Bill) bool {
	if old.totals() != next.totals() || len(old.Items) != len(next.Items) {
		return false
	}
	seen := make(map[uuid.UUID]BillItem, len(old.Items))
	for _, it := range old.Items {
		seen[it.AppointmentID] = it
	}
	for _, it := range next.Items {
		prev, ok := seen[it.AppointmentID]
		if !ok || prev.UnitPrice != it.UnitPrice || prev.LineTotal != it.LineTotal {
			return false
		}
	}
	return true
}
