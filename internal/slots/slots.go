// Package slots decides whether a doctor's time slot is free and generates
// the bookable slot grid for a day from the doctor's roster.
package slots

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type RangeKind string

const (
	RangeOpen    RangeKind = "open"
	RangeBlocked RangeKind = "blocked"
)

// RosterRange is an explicit open or blocked interval, half-open.
type RosterRange struct {
	StartsAt time.Time
	EndsAt   time.Time
	Kind     RangeKind
}

// RosterSource is the external doctor-roster collaborator.
type RosterSource interface {
	DoctorExists(ctx context.Context, doctorID string) (bool, error)
	RosterFor(ctx context.Context, doctorID string, from, to time.Time) ([]RosterRange, error)
}

// AppointmentIndex exposes live (non-cancelled) appointment start times.
type AppointmentIndex interface {
	LiveAtSlot(ctx context.Context, doctorID string, startsAt time.Time) ([]uuid.UUID, error)
	LiveStartTimes(ctx context.Context, doctorID string, from, to time.Time) ([]time.Time, error)
}

type Slot struct {
	DoctorID  string    `json:"doctor_id"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Available bool      `json:"available"`
}

type Config struct {
	SlotDuration time.Duration
	DayStart     time.Duration // default window start, offset from midnight
	DayEnd       time.Duration
	Location     *time.Location
}

type Allocator struct {
	roster RosterSource
	index  AppointmentIndex
	cfg    Config
}

func NewAllocator(roster RosterSource, index AppointmentIndex, cfg Config) *Allocator {
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = 30 * time.Minute
	}
	if cfg.DayEnd <= cfg.DayStart {
		cfg.DayStart, cfg.DayEnd = 9*time.Hour, 17*time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Allocator{roster: roster, index: index, cfg: cfg}
}

// IsAvailable reports whether no live appointment other than exclude holds
// (doctorID, startsAt). This is advisory; the storage uniqueness constraint
// is the real guard.
func (a *Allocator) IsAvailable(ctx context.Context, doctorID string, startsAt time.Time, exclude *uuid.UUID) (bool, error) {
	ids, err := a.index.LiveAtSlot(ctx, doctorID, startsAt)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	for _, id := range ids {
		if exclude != nil && id == *exclude {
			continue
		}
		return false, nil
	}
	return true, nil
}

// ListAvailableSlots returns the slot grid for the calendar day containing
// day. Unknown doctors yield an empty list.
func (a *Allocator) ListAvailableSlots(ctx context.Context, doctorID string, day time.Time) ([]Slot, error) {
	exists, err := a.roster.DoctorExists(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("lookup doctor: %w", err)
	}
	if !exists {
		return []Slot{}, nil
	}

	local := day.In(a.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.cfg.Location)
	next := midnight.AddDate(0, 0, 1)

	ranges, err := a.roster.RosterFor(ctx, doctorID, midnight, next)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}

	var open, blocked []RosterRange
	for _, r := range ranges {
		switch r.Kind {
		case RangeOpen:
			if clipped, ok := clip(r, midnight, next); ok {
				open = append(open, clipped)
			}
		case RangeBlocked:
			blocked = append(blocked, r)
		}
	}
	if len(open) == 0 {
		open = []RosterRange{{
			StartsAt: midnight.Add(a.cfg.DayStart),
			EndsAt:   midnight.Add(a.cfg.DayEnd),
			Kind:     RangeOpen,
		}}
	}

	taken, err := a.index.LiveStartTimes(ctx, doctorID, midnight, next)
	if err != nil {
		return nil, fmt.Errorf("load booked slots: %w", err)
	}
	booked := make(map[int64]struct{}, len(taken))
	for _, t := range taken {
		booked[t.Unix()] = struct{}{}
	}

	return a.grid(doctorID, open, blocked, booked), nil
}

func (a *Allocator) grid(doctorID string, open, blocked []RosterRange, booked map[int64]struct{}) []Slot {
	seen := make(map[int64]struct{})
	out := []Slot{}

	for _, r := range open {
		for start := r.StartsAt; !start.Add(a.cfg.SlotDuration).After(r.EndsAt); start = start.Add(a.cfg.SlotDuration) {
			end := start.Add(a.cfg.SlotDuration)
			if overlapsAny(start, end, blocked) {
				continue
			}
			key := start.Unix()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			_, isBooked := booked[key]
			out = append(out, Slot{
				DoctorID:  doctorID,
				StartsAt:  start,
				EndsAt:    end,
				Available: !isBooked,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

// clip bounds r to [from, to); ok is false when nothing is left.
func clip(r RosterRange, from, to time.Time) (RosterRange, bool) {
	if r.StartsAt.Before(from) {
		r.StartsAt = from
	}
	if r.EndsAt.After(to) {
		r.EndsAt = to
	}
	return r, r.StartsAt.Before(r.EndsAt)
}

func overlapsAny(start, end time.Time, ranges []RosterRange) bool {
	for _, r := range ranges {
		if start.Before(r.EndsAt) && r.StartsAt.Before(end) {
			return true
		}
	}
	return false
}
