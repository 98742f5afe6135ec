package api

import (
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
)

type BookAppointmentRequest struct {
	PatientID             string  `json:"patient_id" validate:"required,max=64"`
	DoctorID              string  `json:"doctor_id" validate:"required,max=64"`
	Department            string  `json:"department" validate:"required,max=120"`
	StartsAt              string  `json:"starts_at" validate:"required"`
	EndsAt                string  `json:"ends_at" validate:"required"`
	Reason                string  `json:"reason" validate:"max=500"`
	PreviousAppointmentID *string `json:"previous_appointment_id" validate:"omitempty,uuid"`
}

type RescheduleRequest struct {
	StartsAt string  `json:"starts_at" validate:"required"`
	EndsAt   string  `json:"ends_at" validate:"required"`
	DoctorID *string `json:"doctor_id" validate:"omitempty,min=1,max=64"`
}

type PayRequest struct {
	Method     string `json:"method" validate:"required,oneof=CARD CASH GOVERNMENT"`
	CardNumber string `json:"card_number" validate:"required_if=Method CARD,max=32"`
	Amount     *int64 `json:"amount" validate:"required_if=Method CASH,omitempty,min=0"`
}

type UpdateCoverageRequest struct {
	ExpectedVersion    int     `json:"expected_version" validate:"required,min=1"`
	InsuranceProvider  *string `json:"insurance_provider" validate:"omitempty,max=120"`
	GovernmentEligible *bool   `json:"government_eligible" validate:"required"`
}

type NotificationsResponse struct {
	Items  []notify.Notification `json:"items"`
	Unread int                   `json:"unread"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
