package notify

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentApproved    = "APPOINTMENT_APPROVED"
	EventAppointmentRejected    = "APPOINTMENT_REJECTED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventPaymentSuccess         = "PAYMENT_SUCCESS"
	EventPaymentDeclined        = "PAYMENT_DECLINED"
	EventPaymentError           = "PAYMENT_ERROR"
)

// Audience selects which parties receive an event.
type Audience struct {
	Patient bool
	Doctor  bool
	Staff   bool
}

// Event is a committed state change that parties should hear about.
// PatientID and DoctorID are correlation keys resolved to accounts by the
// Recipients lookup.
type Event struct {
	Name       string
	EntityType string
	EntityID   string
	PatientID  string
	DoctorID   string
	Audience   Audience
	Title      string
	Body       string
}

type Notification struct {
	ID          uuid.UUID  `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Event       string     `json:"event"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	IsRead      bool       `json:"is_read"`
	PublishedAt *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
}
