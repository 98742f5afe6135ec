package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-scheduling-billing/internal/directory"
)

func (h *handlers) getPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.patients.Get(r.Context(), chi.URLParam(r, "patientID"), caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) updateCoverage(w http.ResponseWriter, r *http.Request) {
	var req UpdateCoverageRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.patients.UpdateCoverage(r.Context(), chi.URLParam(r, "patientID"), directory.CoverageUpdate{
		ExpectedVersion:    req.ExpectedVersion,
		InsuranceProvider:  req.InsuranceProvider,
		GovernmentEligible: *req.GovernmentEligible,
	}, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), caller(r), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unreadOnly := false
	if v := q.Get("unread"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_unread", "unread must be a boolean")
			return
		}
		unreadOnly = b
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}

	who := caller(r)
	items, err := h.inbox.List(r.Context(), who, unreadOnly, limit)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	unread, err := h.inbox.UnreadCount(r.Context(), who)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, NotificationsResponse{Items: items, Unread: unread})
}

func (h *handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.inbox.MarkRead(r.Context(), caller(r), id); err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.inbox.MarkAllRead(r.Context(), caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkAllReadResponse{Updated: n})
}
