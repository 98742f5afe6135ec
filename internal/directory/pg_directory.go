package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/billing"
	"github.com/hackgods/clinic-scheduling-billing/internal/slots"
)

// PgDirectory serves every lookup the core services make against
// collaborator-owned tables.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

const patientColumns = `id, full_name, insurance_provider, government_eligible, version, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.FullName,
		&p.InsuranceProvider,
		&p.GovernmentEligible,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Patients

func (d *PgDirectory) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

func (d *PgDirectory) SwapCoverage(ctx context.Context, id string, u CoverageUpdate) (*Patient, error) {
	row := d.pool.QueryRow(ctx, `
		UPDATE patients
		SET insurance_provider = $3,
		    government_eligible = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		RETURNING `+patientColumns,
		id, u.ExpectedVersion, u.InsuranceProvider, u.GovernmentEligible)

	p, err := scanPatient(row)
	if !errors.Is(err, ErrPatientNotFound) {
		return p, err
	}
	// no row matched: either the patient is gone or the version moved
	if _, err := d.GetPatient(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrVersionConflict
}

func (d *PgDirectory) Coverage(ctx context.Context, patientID string) (billing.Coverage, error) {
	p, err := d.GetPatient(ctx, patientID)
	if err != nil {
		return billing.Coverage{}, err
	}
	return billing.Coverage{Insured: p.Insured(), GovernmentEligible: p.GovernmentEligible}, nil
}

func (d *PgDirectory) UpsertPatient(ctx context.Context, p Patient) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO patients (id, full_name, insurance_provider, government_eligible)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    insurance_provider = EXCLUDED.insurance_provider,
		    government_eligible = EXCLUDED.government_eligible,
		    version = patients.version + 1,
		    updated_at = now()
	`, p.ID, p.FullName, p.InsuranceProvider, p.GovernmentEligible)
	return err
}

func (d *PgDirectory) DoctorSeesPatient(ctx context.Context, doctorID, patientID string) (bool, error) {
	var ok bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments WHERE doctor_id = $1 AND patient_id = $2
		)
	`, doctorID, patientID).Scan(&ok)
	return ok, err
}

// Doctors and rosters

func (d *PgDirectory) DoctorExists(ctx context.Context, doctorID string) (bool, error) {
	var ok bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM doctors WHERE id = $1)`, doctorID).Scan(&ok)
	return ok, err
}

func (d *PgDirectory) RosterFor(ctx context.Context, doctorID string, from, to time.Time) ([]slots.RosterRange, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT starts_at, ends_at, kind
		FROM doctor_roster
		WHERE doctor_id = $1
		  AND starts_at < $3
		  AND ends_at > $2
		ORDER BY starts_at
	`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (slots.RosterRange, error) {
		var r slots.RosterRange
		err := row.Scan(&r.StartsAt, &r.EndsAt, &r.Kind)
		return r, err
	})
}

func (d *PgDirectory) UpsertDoctor(ctx context.Context, id, fullName, department string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO doctors (id, full_name, department)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    department = EXCLUDED.department
	`, id, fullName, department)
	return err
}

func (d *PgDirectory) AddRosterRange(ctx context.Context, doctorID string, r slots.RosterRange) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO doctor_roster (id, doctor_id, starts_at, ends_at, kind)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), doctorID, r.StartsAt, r.EndsAt, r.Kind)
	return err
}

// Accounts, resolved by role rather than by foreign key

func (d *PgDirectory) accountIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (d *PgDirectory) PatientAccounts(ctx context.Context, patientID string) ([]string, error) {
	return d.accountIDs(ctx, `
		SELECT id FROM accounts WHERE role = 'patient' AND linked_patient_id = $1
	`, patientID)
}

func (d *PgDirectory) DoctorAccounts(ctx context.Context, doctorID string) ([]string, error) {
	return d.accountIDs(ctx, `
		SELECT id FROM accounts WHERE role = 'doctor' AND doctor_profile_id = $1
	`, doctorID)
}

func (d *PgDirectory) StaffAccounts(ctx context.Context) ([]string, error) {
	return d.accountIDs(ctx, `
		SELECT id FROM accounts WHERE role IN ('staff', 'manager', 'admin')
	`)
}

func (d *PgDirectory) UpsertAccount(ctx context.Context, a actor.Actor, displayName string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO accounts (id, role, display_name, linked_patient_id, doctor_profile_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET role = EXCLUDED.role,
		    display_name = EXCLUDED.display_name,
		    linked_patient_id = EXCLUDED.linked_patient_id,
		    doctor_profile_id = EXCLUDED.doctor_profile_id
	`, a.ID, string(a.Role), displayName, a.LinkedPatientID, a.DoctorProfileID)
	return err
}

// Settings

func (d *PgDirectory) ConsultationFee(ctx context.Context) (int64, bool, error) {
	var raw string
	err := d.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, SettingConsultationFee).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	fee, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// an unparsable setting falls back to the configured default
		return 0, false, nil
	}
	return fee, true, nil
}

func (d *PgDirectory) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return err
}
