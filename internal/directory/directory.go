// Package directory holds the records this service reads from but does not
// own: accounts, patient demographics and coverage, doctor rosters and
// clinic settings. Patient and doctor identities are opaque strings here and
// are only ever resolved through lookups.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
	"github.com/hackgods/clinic-scheduling-billing/internal/audit"
)

const (
	SettingConsultationFee = "consultation_fee"

	ActionUpdateCoverage = "UPDATE_COVERAGE"
)

var (
	ErrPatientNotFound = apperr.NotFound("patient not found")
	ErrVersionConflict = apperr.Conflict("patient record was changed by someone else, refetch and retry")
)

type Patient struct {
	ID                 string    `json:"id"`
	FullName           string    `json:"full_name"`
	InsuranceProvider  *string   `json:"insurance_provider,omitempty"`
	GovernmentEligible bool      `json:"government_eligible"`
	Version            int       `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (p *Patient) Insured() bool {
	return p.InsuranceProvider != nil && strings.TrimSpace(*p.InsuranceProvider) != ""
}

// CoverageUpdate replaces the coverage fields of a patient record if the
// stored version still equals ExpectedVersion.
type CoverageUpdate struct {
	ExpectedVersion    int
	InsuranceProvider  *string
	GovernmentEligible bool
}

type Store interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
	// SwapCoverage returns ErrVersionConflict when the version moved.
	SwapCoverage(ctx context.Context, id string, u CoverageUpdate) (*Patient, error)
	// DoctorSeesPatient reports whether the doctor has any appointment with
	// the patient.
	DoctorSeesPatient(ctx context.Context, doctorID, patientID string) (bool, error)
}

type Auditor interface {
	Record(ctx context.Context, entityType, entityID, actorID, action string, diff any)
}

// Patients is the patient-record surface exposed over HTTP.
type Patients struct {
	store Store
	audit Auditor
	log   *zap.Logger
}

func NewPatients(store Store, auditor Auditor, log *zap.Logger) *Patients {
	return &Patients{store: store, audit: auditor, log: log}
}

// Get returns a patient record to staff, to the patient, or to a doctor
// who has seen the patient.
func (p *Patients) Get(ctx context.Context, id string, who actor.Actor) (*Patient, error) {
	switch {
	case who.IsStaff():
	case who.IsPatient():
		if !who.OwnsPatient(id) {
			return nil, apperr.Forbidden("patients may only see their own record")
		}
	case who.IsDoctor():
		if who.DoctorProfileID == nil {
			return nil, apperr.Forbidden("doctor account has no profile")
		}
		ok, err := p.store.DoctorSeesPatient(ctx, *who.DoctorProfileID, id)
		if err != nil {
			return nil, fmt.Errorf("check doctor access: %w", err)
		}
		if !ok {
			return nil, apperr.Forbidden("doctor has no appointments with this patient")
		}
	default:
		return nil, apperr.Forbidden("role may not read patient records")
	}
	return p.store.GetPatient(ctx, id)
}

// UpdateCoverage is a staff-only compare-and-swap on the coverage fields.
func (p *Patients) UpdateCoverage(ctx context.Context, id string, u CoverageUpdate, who actor.Actor) (*Patient, error) {
	if !who.IsStaff() {
		return nil, apperr.Forbidden("only clinic staff may change coverage")
	}
	if u.ExpectedVersion < 1 {
		return nil, apperr.Validation("expected_version is required")
	}
	if u.InsuranceProvider != nil && strings.TrimSpace(*u.InsuranceProvider) == "" {
		u.InsuranceProvider = nil
	}

	before, err := p.store.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}

	after, err := p.store.SwapCoverage(ctx, id, u)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			p.log.Info("coverage update lost version race",
				zap.String("patient_id", id),
				zap.Int("expected_version", u.ExpectedVersion),
			)
		}
		return nil, err
	}

	p.audit.Record(ctx, audit.EntityPatient, id, who.ID, ActionUpdateCoverage, map[string]any{
		"old_insurance_provider":  before.InsuranceProvider,
		"new_insurance_provider":  after.InsuranceProvider,
		"old_government_eligible": before.GovernmentEligible,
		"new_government_eligible": after.GovernmentEligible,
		"version":                 after.Version,
	})
	return after, nil
}
