package appointment

import (
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
)

// PolicyOptions are derived from the caller's role, never from request input.
type PolicyOptions struct {
	AllowApproved bool
	IgnoreCutoff  bool
}

// Decision is the outcome of a policy check. Kind is the apperr kind to
// report when OK is false.
type Decision struct {
	OK     bool
	Reason string
	Kind   error
}

func allow() Decision { return Decision{OK: true} }

func deny(kind error, reason string) Decision {
	return Decision{Reason: reason, Kind: kind}
}

// Err converts a denial into an error.
func (d Decision) Err() error {
	if d.OK {
		return nil
	}
	return &apperr.Error{Kind: d.Kind, Msg: d.Reason}
}

// Policy gates cancel and reschedule. It does no I/O.
type Policy struct {
	Cutoff time.Duration
}

func NewPolicy(cutoff time.Duration) Policy {
	return Policy{Cutoff: cutoff}
}

func OptionsFor(who actor.Actor) PolicyOptions {
	p := who.Privileged()
	return PolicyOptions{AllowApproved: p, IgnoreCutoff: p}
}

func (p Policy) CanCancel(a *Appointment, now time.Time, opts PolicyOptions) Decision {
	if a.Status == StatusCancelled {
		return deny(apperr.ErrConflict, "appointment is already cancelled")
	}
	if a.Status.Closed() {
		return deny(apperr.ErrConflict, "appointment is already closed")
	}
	return p.approvedGates(a, now, opts, "cancelled")
}

func (p Policy) CanReschedule(a *Appointment, newStart, newEnd, now time.Time, opts PolicyOptions) Decision {
	if newStart.IsZero() || newEnd.IsZero() {
		return deny(apperr.ErrValidation, "new start and end time are required")
	}
	if !newStart.After(now) {
		return deny(apperr.ErrValidation, "new time must be in the future")
	}
	if !newEnd.After(newStart) {
		return deny(apperr.ErrValidation, "end time must be after start time")
	}
	if a.Status.Closed() {
		return deny(apperr.ErrConflict, "appointment is already closed")
	}
	return p.approvedGates(a, now, opts, "rescheduled")
}

func (p Policy) approvedGates(a *Appointment, now time.Time, opts PolicyOptions, done string) Decision {
	if !a.Status.IsApproved() {
		return allow()
	}
	if !opts.AllowApproved {
		return deny(apperr.ErrForbidden, fmt.Sprintf("approved appointments can only be %s by clinic staff or the doctor", done))
	}
	if a.StartsAt.Sub(now) < p.Cutoff && !opts.IgnoreCutoff {
		return deny(apperr.ErrForbidden, fmt.Sprintf("appointments starting within %s can no longer be %s", p.Cutoff, done))
	}
	return allow()
}
