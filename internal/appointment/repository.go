package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
)

var (
	ErrAppointmentNotFound = apperr.NotFound("appointment not found")
	ErrSlotTaken           = apperr.Conflict("slot is already booked for this doctor")
	ErrConcurrentUpdate    = apperr.Conflict("appointment was modified concurrently, refetch and retry")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// Create returns ErrSlotTaken when the (doctor, start) uniqueness
	// constraint rejects the row.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f Filter) ([]Appointment, error)

	// Conditional transitions: they only apply while the row is still in
	// status from, otherwise ErrConcurrentUpdate.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, actorID string) (*Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, from Status, doctorID string, startsAt, endsAt time.Time, actorID string) (*Appointment, error)

	Delete(ctx context.Context, id uuid.UUID) error

	// Slot index used by the allocator
	LiveAtSlot(ctx context.Context, doctorID string, startsAt time.Time) ([]uuid.UUID, error)
	LiveStartTimes(ctx context.Context, doctorID string, from, to time.Time) ([]time.Time, error)
}
