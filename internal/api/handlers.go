package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/appointment"
)

func (h *handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if !decode(w, r, &req) {
		return
	}

	in := appointment.BookRequest{
		PatientID:  req.PatientID,
		DoctorID:   req.DoctorID,
		Department: req.Department,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		Reason:     req.Reason,
	}
	if req.PreviousAppointmentID != nil {
		prev := uuid.MustParse(*req.PreviousAppointmentID)
		in.PreviousAppointmentID = &prev
	}

	appt, err := h.appointments.Book(r.Context(), in, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f appointment.Filter

	if v := q.Get("patient_id"); v != "" {
		f.PatientID = &v
	}
	if v := q.Get("doctor_id"); v != "" {
		f.DoctorID = &v
	}
	if v := q.Get("status"); v != "" {
		st := appointment.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown appointment status")
			return
		}
		f.Status = &st
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+p.key, p.key+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = &t
	}
	if v := q.Get("include_cancelled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_include_cancelled", "include_cancelled must be a boolean")
			return
		}
		f.IncludeCancelled = b
	}
	var ok bool
	if f.Limit, ok = intParam(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if f.Offset, ok = intParam(w, q.Get("offset"), "offset"); !ok {
		return
	}

	items, err := h.appointments.List(r.Context(), f, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.appointments.Get(r.Context(), id, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	res, err := h.appointments.Cancel(r.Context(), id, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	appt, err := h.appointments.Reschedule(r.Context(), id, appointment.RescheduleRequest{
		StartsAt: req.StartsAt,
		EndsAt:   req.EndsAt,
		DoctorID: req.DoctorID,
	}, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

type transitionFunc func(AppointmentService, context.Context, uuid.UUID, actor.Actor) (*appointment.Appointment, error)

// transition serves the body-less status changes: approve, reject,
// complete and no-show.
func (h *handlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		appt, err := fn(h.appointments, r.Context(), id, caller(r))
		if err != nil {
			handleServiceError(w, r, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("day")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_day", "day is required (YYYY-MM-DD)")
		return
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_day", "day must be YYYY-MM-DD")
		return
	}

	out, err := h.slots.ListAvailableSlots(r.Context(), chi.URLParam(r, "doctorID"), day)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
