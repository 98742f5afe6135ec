package payment

import (
	"time"

	"github.com/google/uuid"
)

type Method string

const (
	MethodCard       Method = "CARD"
	MethodCash       Method = "CASH"
	MethodGovernment Method = "GOVERNMENT"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodCash, MethodGovernment:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSuccess  Status = "SUCCESS"
	StatusDeclined Status = "DECLINED"
	StatusError    Status = "ERROR"
)

type Payment struct {
	ID            uuid.UUID `json:"id"`
	BillID        uuid.UUID `json:"bill_id"`
	Method        Method    `json:"method"`
	Status        Status    `json:"status"`
	Amount        int64     `json:"amount"`
	CardLast4     *string   `json:"card_last4,omitempty"`
	GatewayRef    *string   `json:"gateway_ref,omitempty"`
	AuthCode      *string   `json:"auth_code,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PayRequest is the client input for one payment attempt. Amount is the
// tendered cash amount and is ignored for the other methods.
type PayRequest struct {
	Method     Method
	CardNumber string
	Amount     *int64
}

type Receipt struct {
	ID                uuid.UUID      `json:"id"`
	PaymentID         uuid.UUID      `json:"payment_id"`
	ReceiptNumber     string         `json:"receipt_number"`
	Payload           ReceiptPayload `json:"payload"`
	VerificationToken string         `json:"verification_token"`
	QRPNG             []byte         `json:"qr_png"`
	IssuedAt          time.Time      `json:"issued_at"`
}

// ReceiptPayload is frozen at issue time; later bill changes never reach it.
type ReceiptPayload struct {
	ReceiptNumber     string        `json:"receipt_number"`
	PaymentID         uuid.UUID     `json:"payment_id"`
	BillID            uuid.UUID     `json:"bill_id"`
	PatientID         string        `json:"patient_id"`
	Method            Method        `json:"method"`
	AmountPaid        int64         `json:"amount_paid"`
	CardLast4         string        `json:"card_last4,omitempty"`
	GatewayRef        string        `json:"gateway_ref,omitempty"`
	Subtotal          int64         `json:"subtotal"`
	InsuranceDiscount int64         `json:"insurance_discount"`
	GovernmentCover   int64         `json:"government_cover"`
	AmountDue         int64         `json:"amount_due"`
	Items             []ReceiptLine `json:"items"`
	PaidAt            time.Time     `json:"paid_at"`
}

type ReceiptLine struct {
	AppointmentID     uuid.UUID `json:"appointment_id"`
	Description       string    `json:"description"`
	UnitPrice         int64     `json:"unit_price"`
	InsuranceDiscount int64     `json:"insurance_discount"`
	LineTotal         int64     `json:"line_total"`
}

// Result is what a settled payment attempt returns.
type Result struct {
	Payment *Payment `json:"payment"`
	Receipt *Receipt `json:"receipt,omitempty"`
}
