package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
	"github.com/hackgods/clinic-scheduling-billing/internal/appointment"
	"github.com/hackgods/clinic-scheduling-billing/internal/audit"
	"github.com/hackgods/clinic-scheduling-billing/internal/billing"
	"github.com/hackgods/clinic-scheduling-billing/internal/directory"
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
	"github.com/hackgods/clinic-scheduling-billing/internal/payment"
	"github.com/hackgods/clinic-scheduling-billing/internal/slots"
)

var testSecret = []byte("test-secret")

// -- Stubs --

type stubAppointments struct {
	AppointmentService // unimplemented methods panic

	book       func(appointment.BookRequest, actor.Actor) (*appointment.Appointment, error)
	list       func(appointment.Filter, actor.Actor) ([]appointment.Appointment, error)
	transition func(op string, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error)
}

func (s *stubAppointments) Book(_ context.Context, req appointment.BookRequest, who actor.Actor) (*appointment.Appointment, error) {
	return s.book(req, who)
}

func (s *stubAppointments) List(_ context.Context, f appointment.Filter, who actor.Actor) ([]appointment.Appointment, error) {
	return s.list(f, who)
}

func (s *stubAppointments) Approve(_ context.Context, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error) {
	return s.transition("approve", id, who)
}

func (s *stubAppointments) MarkNoShow(_ context.Context, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error) {
	return s.transition("no-show", id, who)
}

type stubSlots struct {
	gotDay time.Time
}

func (s *stubSlots) ListAvailableSlots(_ context.Context, doctorID string, day time.Time) ([]slots.Slot, error) {
	s.gotDay = day
	return []slots.Slot{{DoctorID: doctorID, StartsAt: day.Add(9 * time.Hour), EndsAt: day.Add(9*time.Hour + 30*time.Minute), Available: true}}, nil
}

type stubBilling struct {
	BillingService
	build func(patientID string, who actor.Actor) (*billing.Bill, error)
}

func (s *stubBilling) BuildLatestBill(_ context.Context, patientID string, who actor.Actor) (*billing.Bill, error) {
	return s.build(patientID, who)
}

type stubPayments struct {
	PaymentService
	pay     func(uuid.UUID, payment.PayRequest) (*payment.Result, error)
	receipt *payment.Receipt
}

func (s *stubPayments) Pay(_ context.Context, billID uuid.UUID, req payment.PayRequest, _ actor.Actor) (*payment.Result, error) {
	return s.pay(billID, req)
}

func (s *stubPayments) GetReceipt(context.Context, uuid.UUID, actor.Actor) (*payment.Receipt, error) {
	return s.receipt, nil
}

func (s *stubPayments) VerifyReceipt(_ context.Context, token string) (*payment.Receipt, error) {
	if token != "good" {
		return nil, payment.ErrInvalidReceiptToken
	}
	return s.receipt, nil
}

type stubPatients struct {
	PatientService
	got directory.CoverageUpdate
}

func (s *stubPatients) UpdateCoverage(_ context.Context, id string, u directory.CoverageUpdate, _ actor.Actor) (*directory.Patient, error) {
	s.got = u
	if u.ExpectedVersion != 3 {
		return nil, directory.ErrVersionConflict
	}
	return &directory.Patient{ID: id, Version: 4, GovernmentEligible: u.GovernmentEligible}, nil
}

type stubInbox struct {
	InboxService
	marked uuid.UUID
}

func (s *stubInbox) List(context.Context, actor.Actor, bool, int) ([]notify.Notification, error) {
	return []notify.Notification{{ID: uuid.New(), Event: notify.EventPaymentSuccess}}, nil
}

func (s *stubInbox) UnreadCount(context.Context, actor.Actor) (int, error) { return 1, nil }

func (s *stubInbox) MarkRead(_ context.Context, _ actor.Actor, id uuid.UUID) error {
	s.marked = id
	return nil
}

type stubAudit struct{}

func (stubAudit) List(_ context.Context, who actor.Actor, entityType, entityID string) ([]audit.Entry, error) {
	if !who.IsStaff() {
		return nil, apperr.Forbidden("audit trail is restricted to staff")
	}
	return []audit.Entry{{EntityType: entityType, EntityID: entityID, Action: "BOOK"}}, nil
}

// -- Helpers --

type testEnv struct {
	handler  http.Handler
	appts    *stubAppointments
	slots    *stubSlots
	billing  *stubBilling
	payments *stubPayments
	patients *stubPatients
	inbox    *stubInbox
}

func newTestEnv(t *testing.T, mutate ...func(*RouterConfig)) *testEnv {
	t.Helper()
	e := &testEnv{
		appts:    &stubAppointments{},
		slots:    &stubSlots{},
		billing:  &stubBilling{},
		payments: &stubPayments{},
		patients: &stubPatients{},
		inbox:    &stubInbox{},
	}
	cfg := RouterConfig{
		Appointments: e.appts,
		Slots:        e.slots,
		Billing:      e.billing,
		Payments:     e.payments,
		Patients:     e.patients,
		Audit:        stubAudit{},
		Inbox:        e.inbox,
		Postgres:     PingFunc(func(context.Context) error { return nil }),
		Redis:        PingFunc(func(context.Context) error { return nil }),
		JWTSecret:    testSecret,
		Env:          "test",
		Version:      "test",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e.handler = NewRouter(cfg)
	return e
}

func token(t *testing.T, secret []byte, claims ActorClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func patientToken(t *testing.T) string {
	return token(t, testSecret, ActorClaims{
		Role:             string(actor.RolePatient),
		PatientID:        "P-1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-p1"},
	})
}

func staffToken(t *testing.T) string {
	return token(t, testSecret, ActorClaims{
		Role:             string(actor.RoleStaff),
		RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-s1"},
	})
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// -- Health --

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[ReadinessResponse](t, rec).Status)

	down := PingFunc(func(context.Context) error { return errors.New("down") })

	e = newTestEnv(t, func(c *RouterConfig) { c.Redis = down })
	rec = e.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decodeBody[ReadinessResponse](t, rec).Status)

	e = newTestEnv(t, func(c *RouterConfig) { c.Postgres = down })
	rec = e.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decodeBody[ReadinessResponse](t, rec).Dependencies["postgres"])
}

// -- Auth --

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t)
	var seen actor.Actor
	e.appts.list = func(_ appointment.Filter, who actor.Actor) ([]appointment.Appointment, error) {
		seen = who
		return []appointment.Appointment{}, nil
	}

	cases := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", token(t, []byte("other"), ActorClaims{Role: "staff", RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}), http.StatusUnauthorized},
		{"unknown role", token(t, testSecret, ActorClaims{Role: "janitor", RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}), http.StatusUnauthorized},
		{"patient without link", token(t, testSecret, ActorClaims{Role: "patient", RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}), http.StatusUnauthorized},
		{"expired", token(t, testSecret, ActorClaims{Role: "staff", RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "x",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}), http.StatusUnauthorized},
		{"patient", patientToken(t), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, http.MethodGet, "/appointments", tc.bearer, nil)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	assert.Equal(t, "acct-p1", seen.ID)
	assert.True(t, seen.OwnsPatient("P-1"))
}

// -- Appointments --

func TestBookAppointment(t *testing.T) {
	e := newTestEnv(t)
	prev := uuid.New()
	e.appts.book = func(req appointment.BookRequest, who actor.Actor) (*appointment.Appointment, error) {
		if req.StartsAt == "2026-11-02T09:00:00Z" {
			return nil, appointment.ErrSlotTaken
		}
		assert.Equal(t, prev, *req.PreviousAppointmentID)
		return &appointment.Appointment{ID: uuid.New(), PatientID: req.PatientID, Status: appointment.StatusBooked, CreatedBy: who.ID}, nil
	}

	body := map[string]any{
		"patient_id":              "P-1",
		"doctor_id":               "D-1",
		"department":              "General Practice",
		"starts_at":               "2026-11-02T10:00:00Z",
		"ends_at":                 "2026-11-02T10:30:00Z",
		"previous_appointment_id": prev.String(),
	}
	rec := e.do(t, http.MethodPost, "/appointments", patientToken(t), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decodeBody[appointment.Appointment](t, rec)
	assert.Equal(t, "acct-p1", appt.CreatedBy)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body["starts_at"] = "2026-11-02T09:00:00Z"
	rec = e.do(t, http.MethodPost, "/appointments", patientToken(t), body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/appointments", patientToken(t), map[string]any{"patient_id": "P-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "required", resp.Fields["doctor_id"])
	assert.Equal(t, "required", resp.Fields["starts_at"])

	rec = e.do(t, http.MethodPost, "/appointments", patientToken(t), map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_body", decodeBody[ErrorResponse](t, rec).Error)
}

func TestListAppointments_Filters(t *testing.T) {
	e := newTestEnv(t)
	var got appointment.Filter
	e.appts.list = func(f appointment.Filter, _ actor.Actor) ([]appointment.Appointment, error) {
		got = f
		return []appointment.Appointment{}, nil
	}

	rec := e.do(t, http.MethodGet, "/appointments?status=APPROVED&from=2026-11-01T00:00:00Z&doctor_id=D-1&include_cancelled=true&limit=10", staffToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appointment.StatusApproved, *got.Status)
	assert.Equal(t, "D-1", *got.DoctorID)
	assert.True(t, got.From.Equal(time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, got.To)
	assert.True(t, got.IncludeCancelled)
	assert.Equal(t, 10, got.Limit)

	for _, q := range []string{"status=LOST", "from=yesterday", "limit=-1", "include_cancelled=maybe"} {
		rec := e.do(t, http.MethodGet, "/appointments?"+q, staffToken(t), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestTransitions(t *testing.T) {
	e := newTestEnv(t)
	id := uuid.New()
	var ops []string
	e.appts.transition = func(op string, got uuid.UUID, _ actor.Actor) (*appointment.Appointment, error) {
		ops = append(ops, op)
		if op == "no-show" {
			return nil, appointment.ErrInvalidTransition
		}
		return &appointment.Appointment{ID: got, Status: appointment.StatusApproved}, nil
	}

	rec := e.do(t, http.MethodPost, "/appointments/"+id.String()+"/approve", staffToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody[appointment.Appointment](t, rec).ID)

	rec = e.do(t, http.MethodPost, "/appointments/"+id.String()+"/no-show", staffToken(t), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/appointments/not-a-uuid/approve", staffToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []string{"approve", "no-show"}, ops)
}

func TestListSlots(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	e := newTestEnv(t, func(c *RouterConfig) { c.Location = loc })

	rec := e.do(t, http.MethodGet, "/doctors/D-1/slots?day=2026-11-02", patientToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.slots.gotDay.Equal(time.Date(2026, 11, 2, 0, 0, 0, 0, loc)))
	out := decodeBody[[]slots.Slot](t, rec)
	require.Len(t, out, 1)
	assert.Equal(t, "D-1", out[0].DoctorID)

	rec = e.do(t, http.MethodGet, "/doctors/D-1/slots?day=02/11/2026", patientToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// -- Billing and payments --

func TestBuildLatestBill(t *testing.T) {
	e := newTestEnv(t)
	e.billing.build = func(patientID string, who actor.Actor) (*billing.Bill, error) {
		switch patientID {
		case "P-1":
			return &billing.Bill{ID: uuid.New(), PatientID: patientID, Status: billing.StatusPending, TotalPayable: 3000}, nil
		case "P-2":
			return nil, billing.ErrNothingToBill
		}
		return nil, apperr.Forbidden("patients may only see their own bills")
	}

	rec := e.do(t, http.MethodPost, "/patients/P-1/bills/latest", patientToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3000), decodeBody[billing.Bill](t, rec).TotalPayable)

	rec = e.do(t, http.MethodPost, "/patients/P-2/bills/latest", staffToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/patients/P-3/bills/latest", patientToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPay_StatusMapping(t *testing.T) {
	e := newTestEnv(t)
	billID := uuid.New()
	e.payments.pay = func(got uuid.UUID, req payment.PayRequest) (*payment.Result, error) {
		assert.Equal(t, billID, got)
		switch req.CardNumber {
		case payment.CardDeclined:
			return nil, apperr.Declined("card declined by issuer")
		case payment.CardNetworkError:
			return nil, apperr.Transient("payment gateway unavailable, try again")
		case "4242424242424242":
			return nil, errors.New("pool closed")
		}
		return &payment.Result{Payment: &payment.Payment{ID: uuid.New(), BillID: got, Method: req.Method, Status: payment.StatusSuccess}}, nil
	}

	path := "/bills/" + billID.String() + "/payments"
	cases := []struct {
		card string
		want int
	}{
		{payment.CardSuccess, http.StatusCreated},
		{payment.CardDeclined, http.StatusPaymentRequired},
		{payment.CardNetworkError, http.StatusServiceUnavailable},
		{"4242424242424242", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := e.do(t, http.MethodPost, path, patientToken(t), map[string]any{"method": "CARD", "card_number": tc.card})
		assert.Equal(t, tc.want, rec.Code, tc.card)
		if tc.want == http.StatusInternalServerError {
			assert.NotContains(t, rec.Body.String(), "pool closed")
		}
	}

	rec := e.do(t, http.MethodPost, path, patientToken(t), map[string]any{"method": "CARD"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "required_if", decodeBody[ErrorResponse](t, rec).Fields["card_number"])

	rec = e.do(t, http.MethodPost, path, staffToken(t), map[string]any{"method": "CASH"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, path, staffToken(t), map[string]any{"method": "CHEQUE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceipts(t *testing.T) {
	e := newTestEnv(t)
	e.payments.receipt = &payment.Receipt{ID: uuid.New(), ReceiptNumber: "RCPT-20261101-080000-ABCDEF", QRPNG: []byte("\x89PNG")}

	rec := e.do(t, http.MethodGet, "/receipts/verify?token=good", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RCPT-20261101-080000-ABCDEF", decodeBody[payment.Receipt](t, rec).ReceiptNumber)

	rec = e.do(t, http.MethodGet, "/receipts/verify?token=bad", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/payments/"+uuid.NewString()+"/receipt?format=qr", patientToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte("\x89PNG"), rec.Body.Bytes())
}

// -- Patients, audit, notifications --

func TestUpdateCoverage(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPut, "/patients/P-1/coverage", staffToken(t), map[string]any{
		"expected_version":    3,
		"insurance_provider":  "Acme Health",
		"government_eligible": false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4, decodeBody[directory.Patient](t, rec).Version)
	assert.Equal(t, "Acme Health", *e.patients.got.InsuranceProvider)
	assert.False(t, e.patients.got.GovernmentEligible)

	rec = e.do(t, http.MethodPut, "/patients/P-1/coverage", staffToken(t), map[string]any{
		"expected_version":    2,
		"government_eligible": true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPut, "/patients/P-1/coverage", staffToken(t), map[string]any{"expected_version": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditAndNotifications(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/audit/appointment/abc", staffToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]audit.Entry](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/audit/appointment/abc", patientToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/notifications?unread=true", patientToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[NotificationsResponse](t, rec)
	assert.Equal(t, 1, resp.Unread)
	assert.Len(t, resp.Items, 1)

	id := uuid.New()
	rec = e.do(t, http.MethodPost, "/notifications/"+id.String()+"/read", patientToken(t), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, id, e.inbox.marked)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *RouterConfig) { c.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodGet, "/health/live", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := e.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
