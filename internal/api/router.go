package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/appointment"
	"github.com/hackgods/clinic-scheduling-billing/internal/audit"
	"github.com/hackgods/clinic-scheduling-billing/internal/billing"
	"github.com/hackgods/clinic-scheduling-billing/internal/directory"
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
	"github.com/hackgods/clinic-scheduling-billing/internal/payment"
	"github.com/hackgods/clinic-scheduling-billing/internal/slots"
)

type AppointmentService interface {
	Book(ctx context.Context, req appointment.BookRequest, who actor.Actor) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, who actor.Actor) (*appointment.CancelResult, error)
	Reschedule(ctx context.Context, id uuid.UUID, req appointment.RescheduleRequest, who actor.Actor) (*appointment.Appointment, error)
	Approve(ctx context.Context, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error)
	Reject(ctx context.Context, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error)
	Get(ctx context.Context, id uuid.UUID, who actor.Actor) (*appointment.Appointment, error)
	List(ctx context.Context, f appointment.Filter, who actor.Actor) ([]appointment.Appointment, error)
}

type SlotService interface {
	ListAvailableSlots(ctx context.Context, doctorID string, day time.Time) ([]slots.Slot, error)
}

type BillingService interface {
	BuildLatestBill(ctx context.Context, patientID string, who actor.Actor) (*billing.Bill, error)
	GetCurrentBill(ctx context.Context, patientID string, who actor.Actor) (*billing.Bill, error)
}

type PaymentService interface {
	Pay(ctx context.Context, billID uuid.UUID, req payment.PayRequest, who actor.Actor) (*payment.Result, error)
	ListForBill(ctx context.Context, billID uuid.UUID, who actor.Actor) ([]payment.Payment, error)
	GetReceipt(ctx context.Context, paymentID uuid.UUID, who actor.Actor) (*payment.Receipt, error)
	VerifyReceipt(ctx context.Context, token string) (*payment.Receipt, error)
}

type PatientService interface {
	Get(ctx context.Context, id string, who actor.Actor) (*directory.Patient, error)
	UpdateCoverage(ctx context.Context, id string, u directory.CoverageUpdate, who actor.Actor) (*directory.Patient, error)
}

type AuditService interface {
	List(ctx context.Context, who actor.Actor, entityType, entityID string) ([]audit.Entry, error)
}

type InboxService interface {
	List(ctx context.Context, who actor.Actor, unreadOnly bool, limit int) ([]notify.Notification, error)
	UnreadCount(ctx context.Context, who actor.Actor) (int, error)
	MarkRead(ctx context.Context, who actor.Actor, id uuid.UUID) error
	MarkAllRead(ctx context.Context, who actor.Actor) (int64, error)
}

type RouterConfig struct {
	Appointments AppointmentService
	Slots        SlotService
	Billing      BillingService
	Payments     PaymentService
	Patients     PatientService
	Audit        AuditService
	Inbox        InboxService

	Postgres Pinger
	Redis    Pinger

	Log       *zap.Logger
	JWTSecret []byte
	Location  *time.Location
	RateLimit int // requests per minute per IP, 0 disables
	Env       string
	Version   string
}

type handlers struct {
	appointments AppointmentService
	slots        SlotService
	billing      BillingService
	payments     PaymentService
	patients     PatientService
	audit        AuditService
	inbox        InboxService
	loc          *time.Location
	log          *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h := &handlers{
		appointments: cfg.Appointments,
		slots:        cfg.Slots,
		billing:      cfg.Billing,
		payments:     cfg.Payments,
		patients:     cfg.Patients,
		audit:        cfg.Audit,
		inbox:        cfg.Inbox,
		loc:          cfg.Location,
		log:          cfg.Log,
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)
	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
	}

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Printed receipts carry the token, so verification is public
	r.Get("/receipts/verify", h.verifyReceipt)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.bookAppointment)
			r.Get("/", h.listAppointments)
			r.Get("/{id}", h.getAppointment)
			r.Post("/{id}/cancel", h.cancelAppointment)
			r.Post("/{id}/reschedule", h.rescheduleAppointment)
			r.Post("/{id}/approve", h.transition(AppointmentService.Approve))
			r.Post("/{id}/reject", h.transition(AppointmentService.Reject))
			r.Post("/{id}/complete", h.transition(AppointmentService.Complete))
			r.Post("/{id}/no-show", h.transition(AppointmentService.MarkNoShow))
		})

		r.Get("/doctors/{doctorID}/slots", h.listSlots)

		r.Route("/patients/{patientID}", func(r chi.Router) {
			r.Get("/", h.getPatient)
			r.Put("/coverage", h.updateCoverage)
			r.Post("/bills/latest", h.buildLatestBill)
			r.Get("/bills/current", h.getCurrentBill)
		})

		r.Post("/bills/{billID}/payments", h.pay)
		r.Get("/bills/{billID}/payments", h.listPayments)
		r.Get("/payments/{paymentID}/receipt", h.getReceipt)

		r.Get("/audit/{entityType}/{entityID}", h.listAudit)

		r.Get("/notifications", h.listNotifications)
		r.Post("/notifications/read-all", h.markAllNotificationsRead)
		r.Post("/notifications/{id}/read", h.markNotificationRead)
	})

	return r
}
