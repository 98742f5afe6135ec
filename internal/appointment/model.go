package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusBooked      Status = "BOOKED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusApproved    Status = "APPROVED"
	StatusAccepted    Status = "ACCEPTED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusCancelled   Status = "CANCELLED"
	StatusCompleted   Status = "COMPLETED"
	StatusNoShow      Status = "NO_SHOW"
)

// EligibleStatuses are the states that make a visit billable.
var EligibleStatuses = []Status{StatusApproved, StatusAccepted, StatusConfirmed}

// IsApproved reports whether a clinician has signed off on the visit.
func (s Status) IsApproved() bool {
	switch s {
	case StatusConfirmed, StatusApproved, StatusAccepted:
		return true
	}
	return false
}

// AwaitingApproval covers freshly booked and rescheduled visits.
func (s Status) AwaitingApproval() bool {
	return s == StatusBooked || s == StatusRescheduled
}

func (s Status) Closed() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusConfirmed, StatusApproved, StatusAccepted,
		StatusRescheduled, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

type Appointment struct {
	ID                    uuid.UUID  `json:"id"`
	PatientID             string     `json:"patient_id"`
	DoctorID              string     `json:"doctor_id"`
	Department            string     `json:"department"`
	StartsAt              time.Time  `json:"starts_at"`
	EndsAt                time.Time  `json:"ends_at"`
	Status                Status     `json:"status"`
	PreviousAppointmentID *uuid.UUID `json:"previous_appointment_id,omitempty"`
	Reason                string     `json:"reason,omitempty"`
	CreatedBy             string     `json:"created_by"`
	UpdatedBy             string     `json:"updated_by"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// BookRequest carries raw client input; timestamps are RFC 3339.
type BookRequest struct {
	PatientID             string
	DoctorID              string
	Department            string
	StartsAt              string
	EndsAt                string
	Reason                string
	PreviousAppointmentID *uuid.UUID
}

type RescheduleRequest struct {
	StartsAt string
	EndsAt   string
	DoctorID *string
}

type Filter struct {
	PatientID        *string
	DoctorID         *string
	Status           *Status
	From             *time.Time
	To               *time.Time
	IncludeCancelled bool
	Limit            int
	Offset           int
}

type CancelResult struct {
	Appointment *Appointment `json:"appointment"`
	Deleted     bool         `json:"deleted"`
}
