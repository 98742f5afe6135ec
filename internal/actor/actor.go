package actor

import "context"

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleStaff   Role = "staff"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Actor is the authenticated caller as supplied by the auth layer.
type Actor struct {
	ID              string
	Role            Role
	LinkedPatientID *string
	DoctorProfileID *string
}

// IsStaff reports whether the actor belongs to the clinic back office.
func (a Actor) IsStaff() bool {
	switch a.Role {
	case RoleStaff, RoleManager, RoleAdmin:
		return true
	}
	return false
}

func (a Actor) IsDoctor() bool { return a.Role == RoleDoctor }

func (a Actor) IsPatient() bool { return a.Role == RolePatient }

// Privileged actors bypass the approved-state and cutoff gates.
func (a Actor) Privileged() bool { return a.IsStaff() || a.IsDoctor() }

// OwnsPatient reports whether a patient actor is linked to patientID.
func (a Actor) OwnsPatient(patientID string) bool {
	return a.LinkedPatientID != nil && *a.LinkedPatientID == patientID
}

// IsDoctorProfile reports whether a doctor actor is doctorID.
func (a Actor) IsDoctorProfile(doctorID string) bool {
	return a.DoctorProfileID != nil && *a.DoctorProfileID == doctorID
}

type contextKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}
