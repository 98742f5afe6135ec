package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
	"github.com/hackgods/clinic-scheduling-billing/internal/audit"
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
)

const (
	ActionBook       = "BOOK"
	ActionCancel     = "CANCEL"
	ActionReschedule = "RESCHEDULE"
	ActionApprove    = "APPROVE"
	ActionReject     = "REJECT"
	ActionComplete   = "COMPLETE"
	ActionNoShow     = "NO_SHOW"
)

var (
	ErrNotOwner          = apperr.Forbidden("appointment belongs to someone else")
	ErrClinicianOnly     = apperr.Forbidden("only the doctor or clinic staff may do this")
	ErrReassignStaffOnly = apperr.Forbidden("only clinic staff may reassign the doctor")
	ErrInvalidTransition = apperr.Conflict("invalid status transition")
)

// Allocator is the slot availability check.
type Allocator interface {
	IsAvailable(ctx context.Context, doctorID string, startsAt time.Time, exclude *uuid.UUID) (bool, error)
}

// BillingTrigger refreshes the patient's pending bill when a billable visit
// is approved or leaves the billable set.
type BillingTrigger interface {
	Reconcile(ctx context.Context, patientID string, who actor.Actor) error
}

type Auditor interface {
	Record(ctx context.Context, entityType, entityID, actorID, action string, diff any)
}

type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Service is the appointment state machine.
type Service struct {
	repo     Repository
	alloc    Allocator
	policy   Policy
	billing  BillingTrigger
	audit    Auditor
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, alloc Allocator, policy Policy, billing BillingTrigger, auditor Auditor, notifier Notifier, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		alloc:    alloc,
		policy:   policy,
		billing:  billing,
		audit:    auditor,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Book creates a BOOKED appointment. The allocator check is a fast path; a
// lost race on the storage constraint is reported as the same conflict.
func (s *Service) Book(ctx context.Context, req BookRequest, who actor.Actor) (*Appointment, error) {
	startsAt, endsAt, err := parseSlot(req.StartsAt, req.EndsAt)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PatientID) == "" || strings.TrimSpace(req.DoctorID) == "" {
		return nil, apperr.Validation("patient_id and doctor_id are required")
	}
	if !startsAt.After(s.now()) {
		return nil, apperr.Validation("appointment must start in the future")
	}

	switch {
	case who.IsStaff():
	case who.IsPatient():
		if !who.OwnsPatient(req.PatientID) {
			return nil, apperr.Forbidden("patients may only book for themselves")
		}
	case who.IsDoctor():
		if !who.IsDoctorProfile(req.DoctorID) {
			return nil, apperr.Forbidden("doctors may only book into their own schedule")
		}
	default:
		return nil, apperr.Forbidden("role may not book appointments")
	}

	free, err := s.alloc.IsAvailable(ctx, req.DoctorID, startsAt, nil)
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if !free {
		return nil, ErrSlotTaken
	}

	appt := &Appointment{
		ID:                    uuid.New(),
		PatientID:             req.PatientID,
		DoctorID:              req.DoctorID,
		Department:            req.Department,
		StartsAt:              startsAt,
		EndsAt:                endsAt,
		Status:                StatusBooked,
		PreviousAppointmentID: req.PreviousAppointmentID,
		Reason:                req.Reason,
		CreatedBy:             who.ID,
		UpdatedBy:             who.ID,
	}
	if err := s.repo.Create(ctx, appt); err != nil {
		if errors.Is(err, ErrSlotTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.audit.Record(ctx, audit.EntityAppointment, appt.ID.String(), who.ID, ActionBook, map[string]any{
		"patient_id": appt.PatientID,
		"doctor_id":  appt.DoctorID,
		"starts_at":  appt.StartsAt,
		"ends_at":    appt.EndsAt,
		"status":     appt.Status,
	})
	s.notify(ctx, appt, notify.EventAppointmentBooked, "Appointment booked",
		fmt.Sprintf("Appointment on %s has been booked.", humanTime(appt.StartsAt)))

	return appt, nil
}

// Cancel moves the appointment to CANCELLED. When clinic staff cancel, the
// row is purged afterwards and the result reports Deleted.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, who actor.Actor) (*CancelResult, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(appt, who); err != nil {
		return nil, err
	}

	if d := s.policy.CanCancel(appt, s.now(), OptionsFor(who)); !d.OK {
		return nil, d.Err()
	}

	updated, err := s.repo.UpdateStatus(ctx, appt.ID, appt.Status, StatusCancelled, who.ID)
	if err != nil {
		return nil, err
	}

	purged := false
	if who.IsStaff() {
		if err := s.repo.Delete(ctx, appt.ID); err != nil {
			s.log.Error("purge of cancelled appointment failed",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err),
			)
		} else {
			purged = true
		}
	}

	if appt.Status.IsApproved() {
		s.refreshBill(ctx, appt, who, ActionCancel)
	}

	s.audit.Record(ctx, audit.EntityAppointment, appt.ID.String(), who.ID, ActionCancel, map[string]any{
		"from":   appt.Status,
		"to":     StatusCancelled,
		"purged": purged,
	})
	s.notify(ctx, updated, notify.EventAppointmentCancelled, "Appointment cancelled",
		fmt.Sprintf("Appointment on %s has been cancelled.", humanTime(updated.StartsAt)))

	return &CancelResult{Appointment: updated, Deleted: purged}, nil
}

// Reschedule moves the same row to a new time, and optionally a new doctor.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest, who actor.Actor) (*Appointment, error) {
	newStart, newEnd, err := parseSlot(req.StartsAt, req.EndsAt)
	if err != nil {
		return nil, err
	}

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(appt, who); err != nil {
		return nil, err
	}

	doctorID := appt.DoctorID
	if req.DoctorID != nil && *req.DoctorID != "" && *req.DoctorID != appt.DoctorID {
		if !who.IsStaff() {
			return nil, ErrReassignStaffOnly
		}
		doctorID = *req.DoctorID
	}

	if d := s.policy.CanReschedule(appt, newStart, newEnd, s.now(), OptionsFor(who)); !d.OK {
		return nil, d.Err()
	}

	free, err := s.alloc.IsAvailable(ctx, doctorID, newStart, &appt.ID)
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if !free {
		return nil, ErrSlotTaken
	}

	updated, err := s.repo.Reschedule(ctx, appt.ID, appt.Status, doctorID, newStart, newEnd, who.ID)
	if err != nil {
		return nil, err
	}

	if appt.Status.IsApproved() {
		s.refreshBill(ctx, updated, who, ActionReschedule)
	}

	s.audit.Record(ctx, audit.EntityAppointment, appt.ID.String(), who.ID, ActionReschedule, map[string]any{
		"from_status":   appt.Status,
		"old_starts_at": appt.StartsAt,
		"old_ends_at":   appt.EndsAt,
		"new_starts_at": updated.StartsAt,
		"new_ends_at":   updated.EndsAt,
		"old_doctor_id": appt.DoctorID,
		"new_doctor_id": updated.DoctorID,
	})

	body := fmt.Sprintf("Appointment previously on %s has moved to %s.", humanTime(appt.StartsAt), humanTime(updated.StartsAt))
	s.notify(ctx, updated, notify.EventAppointmentRescheduled, "Appointment rescheduled", body)
	if updated.DoctorID != appt.DoctorID {
		s.notifier.Dispatch(ctx, notify.Event{
			Name:       notify.EventAppointmentRescheduled,
			EntityType: audit.EntityAppointment,
			EntityID:   appt.ID.String(),
			DoctorID:   appt.DoctorID,
			Audience:   notify.Audience{Doctor: true},
			Title:      "Appointment reassigned",
			Body:       fmt.Sprintf("Appointment on %s was reassigned to another doctor.", humanTime(appt.StartsAt)),
		})
	}

	return updated, nil
}

// Approve signs off a booked or rescheduled visit and refreshes the
// patient's pending bill so the visit shows on the next bill fetch.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, who actor.Actor) (*Appointment, error) {
	updated, err := s.clinicianTransition(ctx, id, who, ActionApprove, StatusApproved, Status.AwaitingApproval)
	if err != nil {
		return nil, err
	}

	s.refreshBill(ctx, updated, who, ActionApprove)

	s.notify(ctx, updated, notify.EventAppointmentApproved, "Appointment approved",
		fmt.Sprintf("Appointment on %s has been approved.", humanTime(updated.StartsAt)))
	return updated, nil
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, who actor.Actor) (*Appointment, error) {
	updated, err := s.clinicianTransition(ctx, id, who, ActionReject, StatusCancelled, Status.AwaitingApproval)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, notify.EventAppointmentRejected, "Appointment rejected",
		fmt.Sprintf("Appointment request for %s was not accepted.", humanTime(updated.StartsAt)))
	return updated, nil
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, who actor.Actor) (*Appointment, error) {
	updated, err := s.clinicianTransition(ctx, id, who, ActionComplete, StatusCompleted, Status.IsApproved)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, notify.EventAppointmentCompleted, "Visit completed",
		fmt.Sprintf("Visit on %s is complete.", humanTime(updated.StartsAt)))
	return updated, nil
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, who actor.Actor) (*Appointment, error) {
	updated, err := s.clinicianTransition(ctx, id, who, ActionNoShow, StatusNoShow, Status.IsApproved)
	if err != nil {
		return nil, err
	}
	s.refreshBill(ctx, updated, who, ActionNoShow)
	s.notify(ctx, updated, notify.EventAppointmentNoShow, "Missed appointment",
		fmt.Sprintf("Appointment on %s was marked as missed.", humanTime(updated.StartsAt)))
	return updated, nil
}

// refreshBill reconciles the patient's pending bill. Failures are logged;
// the next reconcile or bill build picks the change up.
func (s *Service) refreshBill(ctx context.Context, appt *Appointment, who actor.Actor, action string) {
	if err := s.billing.Reconcile(ctx, appt.PatientID, who); err != nil {
		s.log.Warn("bill reconciliation failed",
			zap.String("action", action),
			zap.String("appointment_id", appt.ID.String()),
			zap.String("patient_id", appt.PatientID),
			zap.Error(err),
		)
	}
}

func (s *Service) clinicianTransition(ctx context.Context, id uuid.UUID, who actor.Actor, action string, to Status, allowedFrom func(Status) bool) (*Appointment, error) {
	if !who.Privileged() {
		return nil, ErrClinicianOnly
	}

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if who.IsDoctor() && !who.IsDoctorProfile(appt.DoctorID) {
		return nil, ErrNotOwner
	}
	if !allowedFrom(appt.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, to)
	}

	updated, err := s.repo.UpdateStatus(ctx, appt.ID, appt.Status, to, who.ID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.EntityAppointment, appt.ID.String(), who.ID, action, map[string]any{
		"from": appt.Status,
		"to":   to,
	})
	return updated, nil
}

// Get returns one appointment if the caller may see it.
func (s *Service) Get(ctx context.Context, id uuid.UUID, who actor.Actor) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(appt, who); err != nil {
		return nil, err
	}
	return appt, nil
}

// List applies role scoping on top of the caller's filter: patients and
// doctors only ever see their own rows.
func (s *Service) List(ctx context.Context, f Filter, who actor.Actor) ([]Appointment, error) {
	switch {
	case who.IsStaff():
	case who.IsPatient():
		if who.LinkedPatientID == nil {
			return []Appointment{}, nil
		}
		f.PatientID = who.LinkedPatientID
	case who.IsDoctor():
		if who.DoctorProfileID == nil {
			return []Appointment{}, nil
		}
		f.DoctorID = who.DoctorProfileID
	default:
		return nil, apperr.Forbidden("role may not list appointments")
	}

	if f.Limit <= 0 {
		f.Limit = 50 // default
	}
	if f.Limit > 200 {
		f.Limit = 200 // max
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	items, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if items == nil {
		items = []Appointment{}
	}
	return items, nil
}

func (s *Service) checkParticipant(appt *Appointment, who actor.Actor) error {
	switch {
	case who.IsStaff():
		return nil
	case who.IsPatient():
		if who.OwnsPatient(appt.PatientID) {
			return nil
		}
	case who.IsDoctor():
		if who.IsDoctorProfile(appt.DoctorID) {
			return nil
		}
	}
	return ErrNotOwner
}

func (s *Service) notify(ctx context.Context, appt *Appointment, event, title, body string) {
	s.notifier.Dispatch(ctx, notify.Event{
		Name:       event,
		EntityType: audit.EntityAppointment,
		EntityID:   appt.ID.String(),
		PatientID:  appt.PatientID,
		DoctorID:   appt.DoctorID,
		Audience:   notify.Audience{Patient: true, Doctor: true},
		Title:      title,
		Body:       body,
	})
}

func parseSlot(rawStart, rawEnd string) (time.Time, time.Time, error) {
	if rawStart == "" || rawEnd == "" {
		return time.Time{}, time.Time{}, apperr.Validation("starts_at and ends_at are required")
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("starts_at must be an RFC 3339 timestamp")
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("ends_at must be an RFC 3339 timestamp")
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, apperr.Validation("ends_at must be after starts_at")
	}
	return start.UTC(), end.UTC(), nil
}

func humanTime(t time.Time) string {
	return t.UTC().Format("Mon 02 Jan 2006 15:04 UTC")
}
