package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
	"github.com/hackgods/clinic-scheduling-billing/internal/audit"
	"github.com/hackgods/clinic-scheduling-billing/internal/billing"
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
)

const (
	ActionPay = "PAY"
)

// Bills is the access-checked bill lookup.
type Bills interface {
	GetBill(ctx context.Context, id uuid.UUID, who actor.Actor) (*billing.Bill, error)
}

type Auditor interface {
	Record(ctx context.Context, entityType, entityID, actorID, action string, diff any)
}

type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Service is the payment settlement engine.
type Service struct {
	repo     Repository
	bills    Bills
	patients billing.PatientLookup
	gateway  Gateway
	receipts *ReceiptIssuer
	audit    Auditor
	notifier Notifier
	log      *zap.Logger
}

func NewService(repo Repository, bills Bills, patients billing.PatientLookup, gateway Gateway, receipts *ReceiptIssuer, auditor Auditor, notifier Notifier, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		bills:    bills,
		patients: patients,
		gateway:  gateway,
		receipts: receipts,
		audit:    auditor,
		notifier: notifier,
		log:      log,
	}
}

// Pay runs one payment attempt against a pending bill. A declined card
// returns apperr.ErrGatewayDeclined and a gateway failure
// apperr.ErrGatewayTransient; in both cases the attempt stays on record and
// the bill stays payable.
func (s *Service) Pay(ctx context.Context, billID uuid.UUID, req PayRequest, who actor.Actor) (*Result, error) {
	if !req.Method.Valid() {
		return nil, apperr.Validation("method must be CARD, CASH or GOVERNMENT")
	}
	if err := authorizeMethod(who, req.Method); err != nil {
		return nil, err
	}

	bill, err := s.bills.GetBill(ctx, billID, who)
	if err != nil {
		return nil, err
	}
	switch bill.Status {
	case billing.StatusPending:
	case billing.StatusPaid:
		return nil, ErrBillAlreadyPaid
	default:
		return nil, ErrBillNotPayable
	}

	p := &Payment{
		ID:        uuid.New(),
		BillID:    bill.ID,
		Method:    req.Method,
		Status:    StatusPending,
		CreatedBy: who.ID,
	}

	switch req.Method {
	case MethodCard:
		card := strings.ReplaceAll(req.CardNumber, " ", "")
		if !validCardNumber(card) {
			return nil, apperr.Validation("card_number must be 12 to 19 digits")
		}
		if bill.TotalPayable == 0 {
			return nil, apperr.Validation("nothing to charge on this bill")
		}
		last4 := card[len(card)-4:]
		p.CardLast4 = &last4
		p.Amount = bill.TotalPayable
		return s.payByCard(ctx, p, bill, card, who)

	case MethodCash:
		if req.Amount == nil {
			return nil, apperr.Validation("amount is required for cash payments")
		}
		if *req.Amount != bill.TotalPayable {
			return nil, apperr.Validation(fmt.Sprintf("cash amount must equal the amount due (%d)", bill.TotalPayable))
		}
		p.Amount = bill.TotalPayable

	case MethodGovernment:
		cov, err := s.patients.Coverage(ctx, bill.PatientID)
		if err != nil {
			return nil, err
		}
		if !cov.GovernmentEligible {
			return nil, apperr.Validation("patient is not eligible for government cover")
		}
		if bill.TotalPayable != 0 {
			return nil, apperr.Validation("bill still has an amount due, rebuild it to apply government cover")
		}
		p.Amount = 0
	}

	if err := s.repo.Open(ctx, p, bill.UpdatedAt); err != nil {
		return nil, err
	}
	return s.succeed(ctx, p, bill, nil, nil, who)
}

func (s *Service) payByCard(ctx context.Context, p *Payment, bill *billing.Bill, card string, who actor.Actor) (*Result, error) {
	if err := s.repo.Open(ctx, p, bill.UpdatedAt); err != nil {
		return nil, err
	}

	res, gwErr := s.gateway.ProcessCard(ctx, card, p.Amount)

	// the attempt must reach a terminal status even if the caller went away
	ctx = context.WithoutCancel(ctx)

	if gwErr != nil {
		s.log.Warn("card gateway error",
			zap.String("payment_id", p.ID.String()),
			zap.String("bill_id", bill.ID.String()),
			zap.Error(gwErr),
		)
		s.fail(ctx, p, bill, StatusError, "gateway unavailable: "+gwErr.Error(), nil, who)
		return nil, apperr.Transient("payment gateway unavailable, try again")
	}

	ref := optional(res.GatewayRef)
	if res.Verdict != VerdictSuccess {
		reason := res.Reason
		if reason == "" {
			reason = "card declined"
		}
		s.fail(ctx, p, bill, StatusDeclined, reason, ref, who)
		return nil, apperr.Declined(reason)
	}

	return s.succeed(ctx, p, bill, ref, optional(res.AuthCode), who)
}

func (s *Service) succeed(ctx context.Context, p *Payment, bill *billing.Bill, gatewayRef, authCode *string, who actor.Actor) (*Result, error) {
	settled, err := s.repo.Settle(ctx, p.ID, bill.ID, gatewayRef, authCode)
	if err != nil {
		// leave an inspectable terminal row behind
		s.fail(ctx, p, bill, StatusError, "settlement failed: "+err.Error(), gatewayRef, who)
		if errors.Is(err, ErrBillAlreadyPaid) {
			return nil, err
		}
		return nil, fmt.Errorf("settle payment: %w", err)
	}

	out := &Result{Payment: settled}
	rc, err := s.receipts.Issue(ctx, settled, bill)
	if err != nil {
		// the payment stands; the receipt is issued again on first read
		s.log.Error("receipt issue failed",
			zap.String("payment_id", settled.ID.String()),
			zap.Error(err),
		)
	} else {
		out.Receipt = rc
	}

	diff := map[string]any{
		"bill_id":    bill.ID,
		"method":     settled.Method,
		"status":     settled.Status,
		"amount":     settled.Amount,
		"bill_from":  billing.StatusPending,
		"bill_to":    billing.StatusPaid,
		"patient_id": bill.PatientID,
	}
	if rc != nil {
		diff["receipt_number"] = rc.ReceiptNumber
	}
	s.audit.Record(ctx, audit.EntityPayment, settled.ID.String(), who.ID, ActionPay, diff)

	s.notifier.Dispatch(ctx, notify.Event{
		Name:       notify.EventPaymentSuccess,
		EntityType: audit.EntityPayment,
		EntityID:   settled.ID.String(),
		PatientID:  bill.PatientID,
		Audience:   notify.Audience{Patient: true, Staff: true},
		Title:      "Payment received",
		Body:       fmt.Sprintf("Payment of %s by %s was received.", formatMinor(settled.Amount), strings.ToLower(string(settled.Method))),
	})

	return out, nil
}

func (s *Service) fail(ctx context.Context, p *Payment, bill *billing.Bill, status Status, reason string, gatewayRef *string, who actor.Actor) {
	failed, err := s.repo.Fail(ctx, p.ID, status, reason, gatewayRef)
	if err != nil {
		s.log.Error("could not record failed payment",
			zap.String("payment_id", p.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		failed = p
	}

	s.audit.Record(ctx, audit.EntityPayment, p.ID.String(), who.ID, ActionPay, map[string]any{
		"bill_id": bill.ID,
		"method":  p.Method,
		"status":  status,
		"amount":  p.Amount,
		"reason":  reason,
	})

	event, title := notify.EventPaymentDeclined, "Payment declined"
	if status == StatusError {
		event, title = notify.EventPaymentError, "Payment could not be processed"
	}
	s.notifier.Dispatch(ctx, notify.Event{
		Name:       event,
		EntityType: audit.EntityPayment,
		EntityID:   failed.ID.String(),
		PatientID:  bill.PatientID,
		Audience:   notify.Audience{Patient: true, Staff: true},
		Title:      title,
		Body:       fmt.Sprintf("Payment of %s was not completed. The bill is still open.", formatMinor(p.Amount)),
	})
}

// GetPayment returns a payment the caller may see through its bill.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID, who actor.Actor) (*Payment, *billing.Bill, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	bill, err := s.bills.GetBill(ctx, p.BillID, who)
	if err != nil {
		return nil, nil, err
	}
	return p, bill, nil
}

func (s *Service) ListForBill(ctx context.Context, billID uuid.UUID, who actor.Actor) ([]Payment, error) {
	if _, err := s.bills.GetBill(ctx, billID, who); err != nil {
		return nil, err
	}
	return s.repo.ListByBill(ctx, billID)
}

// GetReceipt returns the payment's receipt, issuing it if an earlier
// attempt to do so failed after settlement.
func (s *Service) GetReceipt(ctx context.Context, paymentID uuid.UUID, who actor.Actor) (*Receipt, error) {
	p, bill, err := s.GetPayment(ctx, paymentID, who)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusSuccess {
		return nil, ErrReceiptNotFound
	}
	return s.receipts.Issue(ctx, p, bill)
}

func (s *Service) VerifyReceipt(ctx context.Context, token string) (*Receipt, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.Validation("token is required")
	}
	return s.receipts.Verify(ctx, token)
}

func authorizeMethod(who actor.Actor, m Method) error {
	switch {
	case who.IsStaff():
		return nil
	case who.IsPatient():
		if m == MethodCard {
			return nil
		}
		return apperr.Forbidden("patients may only pay by card")
	case who.IsDoctor():
		return apperr.Forbidden("doctors may not take payments")
	}
	return apperr.Forbidden("role may not take payments")
}

func validCardNumber(n string) bool {
	if len(n) < 12 || len(n) > 19 {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatMinor(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}
