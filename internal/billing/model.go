package billing

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// Amounts are in minor currency units.
type Bill struct {
	ID                uuid.UUID  `json:"id"`
	PatientID         string     `json:"patient_id"`
	Status            Status     `json:"status"`
	Subtotal          int64      `json:"subtotal"`
	InsuranceDiscount int64      `json:"insurance_discount"`
	GovernmentCover   int64      `json:"government_cover"`
	TotalPayable      int64      `json:"total_payable"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Items             []BillItem `json:"items"`
}

type BillItem struct {
	ID                uuid.UUID `json:"id"`
	BillID            uuid.UUID `json:"bill_id"`
	AppointmentID     uuid.UUID `json:"appointment_id"`
	Description       string    `json:"description"`
	UnitPrice         int64     `json:"unit_price"`
	InsuranceDiscount int64     `json:"insurance_discount"`
	LineTotal         int64     `json:"line_total"`
	CreatedAt         time.Time `json:"created_at"`
}

// Candidate is an appointment that belongs on the patient's pending bill.
type Candidate struct {
	AppointmentID uuid.UUID
	DoctorID      string
	Department    string
	StartsAt      time.Time
}

// Totals is the money breakdown of one bill.
type Totals struct {
	Subtotal          int64
	InsuranceDiscount int64
	GovernmentCover   int64
	TotalPayable      int64
}

// Coverage is the slice of the patient record that affects pricing.
type Coverage struct {
	Insured            bool
	GovernmentEligible bool
}

// ComputeTotals prices n visits at fee each. The insurance discount is
// rounded half up to the nearest minor unit and capped at the subtotal.
func ComputeTotals(fee int64, n int, cov Coverage, discountBPS int64) Totals {
	t := Totals{Subtotal: fee * int64(n)}
	if cov.Insured {
		t.InsuranceDiscount = discount(t.Subtotal, discountBPS)
	}
	remaining := t.Subtotal - t.InsuranceDiscount
	if remaining < 0 {
		remaining = 0
	}
	if cov.GovernmentEligible {
		t.GovernmentCover = remaining
		remaining = 0
	}
	t.TotalPayable = remaining
	return t
}

func discount(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	d := (amount*bps + 5000) / 10000
	if d > amount {
		d = amount
	}
	return d
}

func (b *Bill) applyTotals(t Totals) {
	b.Subtotal = t.Subtotal
	b.InsuranceDiscount = t.InsuranceDiscount
	b.GovernmentCover = t.GovernmentCover
	b.TotalPayable = t.TotalPayable
}

func (b *Bill) totals() Totals {
	return Totals{
		Subtotal:          b.Subtotal,
		InsuranceDiscount: b.InsuranceDiscount,
		GovernmentCover:   b.GovernmentCover,
		TotalPayable:      b.TotalPayable,
	}
}
