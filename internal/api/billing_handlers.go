package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-scheduling-billing/internal/payment"
)

func (h *handlers) buildLatestBill(w http.ResponseWriter, r *http.Request) {
	bill, err := h.billing.BuildLatestBill(r.Context(), chi.URLParam(r, "patientID"), caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

func (h *handlers) getCurrentBill(w http.ResponseWriter, r *http.Request) {
	bill, err := h.billing.GetCurrentBill(r.Context(), chi.URLParam(r, "patientID"), caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

func (h *handlers) pay(w http.ResponseWriter, r *http.Request) {
	billID, ok := uuidParam(w, r, "billID")
	if !ok {
		return
	}
	var req PayRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.payments.Pay(r.Context(), billID, payment.PayRequest{
		Method:     payment.Method(req.Method),
		CardNumber: req.CardNumber,
		Amount:     req.Amount,
	}, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) listPayments(w http.ResponseWriter, r *http.Request) {
	billID, ok := uuidParam(w, r, "billID")
	if !ok {
		return
	}
	out, err := h.payments.ListForBill(r.Context(), billID, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// getReceipt answers with JSON, or with the bare QR image for ?format=qr.
func (h *handlers) getReceipt(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := uuidParam(w, r, "paymentID")
	if !ok {
		return
	}
	rc, err := h.payments.GetReceipt(r.Context(), paymentID, caller(r))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	if r.URL.Query().Get("format") == "qr" {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(rc.QRPNG)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *handlers) verifyReceipt(w http.ResponseWriter, r *http.Request) {
	rc, err := h.payments.VerifyReceipt(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}
