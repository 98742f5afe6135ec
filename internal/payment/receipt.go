package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
	"github.com/hackgods/clinic-scheduling-billing/internal/billing"
)

const (
	receiptIssuer   = "clinic-billing"
	qrSize          = 256
	numberAttempts  = 3
	receiptNumberTS = "20060102-150405"
)

var ErrInvalidReceiptToken = apperr.Validation("receipt verification token is invalid")

// ReceiptClaims binds a token to one receipt and to the hash of its payload.
type ReceiptClaims struct {
	PayloadHash string `json:"ph"`
	jwt.RegisteredClaims
}

// ReceiptIssuer creates receipts at most once per payment.
type ReceiptIssuer struct {
	repo   Repository
	secret []byte
	log    *zap.Logger
	now    func() time.Time
}

func NewReceiptIssuer(repo Repository, secret string, log *zap.Logger) *ReceiptIssuer {
	return &ReceiptIssuer{
		repo:   repo,
		secret: []byte(secret),
		log:    log,
		now:    time.Now,
	}
}

// Issue returns the receipt for p, creating it from bill if none exists.
// Concurrent callers for the same payment all get the same receipt.
func (i *ReceiptIssuer) Issue(ctx context.Context, p *Payment, bill *billing.Bill) (*Receipt, error) {
	if p.Status != StatusSuccess {
		return nil, apperr.Conflict("receipts are only issued for successful payments")
	}

	existing, err := i.repo.GetReceiptByPayment(ctx, p.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrReceiptNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < numberAttempts; attempt++ {
		rc, err := i.build(p, bill)
		if err != nil {
			return nil, err
		}

		created, err := i.repo.InsertReceipt(ctx, rc)
		if errors.Is(err, errReceiptNumberTaken) {
			i.log.Warn("receipt number collision, retrying",
				zap.String("payment_id", p.ID.String()),
				zap.String("receipt_number", rc.ReceiptNumber),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		if created {
			return rc, nil
		}
		// lost the race to another issuer
		return i.repo.GetReceiptByPayment(ctx, p.ID)
	}
	return nil, fmt.Errorf("issue receipt for payment %s: could not allocate a receipt number", p.ID)
}

func (i *ReceiptIssuer) build(p *Payment, bill *billing.Bill) (*Receipt, error) {
	// timestamptz keeps microseconds
	issuedAt := i.now().UTC().Truncate(time.Microsecond)
	number := newReceiptNumber(issuedAt)

	payload := ReceiptPayload{
		ReceiptNumber:     number,
		PaymentID:         p.ID,
		BillID:            bill.ID,
		PatientID:         bill.PatientID,
		Method:            p.Method,
		AmountPaid:        p.Amount,
		Subtotal:          bill.Subtotal,
		InsuranceDiscount: bill.InsuranceDiscount,
		GovernmentCover:   bill.GovernmentCover,
		AmountDue:         bill.Subtotal - bill.InsuranceDiscount - bill.GovernmentCover,
		Items:             make([]ReceiptLine, 0, len(bill.Items)),
		PaidAt:            p.UpdatedAt.UTC(),
	}
	if p.CardLast4 != nil {
		payload.CardLast4 = *p.CardLast4
	}
	if p.GatewayRef != nil {
		payload.GatewayRef = *p.GatewayRef
	}
	for _, it := range bill.Items {
		payload.Items = append(payload.Items, ReceiptLine{
			AppointmentID:     it.AppointmentID,
			Description:       it.Description,
			UnitPrice:         it.UnitPrice,
			InsuranceDiscount: it.InsuranceDiscount,
			LineTotal:         it.LineTotal,
		})
	}

	hash, err := payloadHash(payload)
	if err != nil {
		return nil, err
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, ReceiptClaims{
		PayloadHash: hash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   receiptIssuer,
			Subject:  p.ID.String(),
			ID:       number,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign receipt token: %w", err)
	}

	png, err := qrcode.Encode(token, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("encode receipt qr: %w", err)
	}

	return &Receipt{
		ID:                uuid.New(),
		PaymentID:         p.ID,
		ReceiptNumber:     number,
		Payload:           payload,
		VerificationToken: token,
		QRPNG:             png,
		IssuedAt:          issuedAt,
	}, nil
}

// Verify checks a scanned token and returns the receipt it was issued for.
func (i *ReceiptIssuer) Verify(ctx context.Context, token string) (*Receipt, error) {
	claims := &ReceiptClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(receiptIssuer))
	if err != nil {
		return nil, ErrInvalidReceiptToken
	}

	paymentID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidReceiptToken
	}

	rc, err := i.repo.GetReceiptByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	hash, err := payloadHash(rc.Payload)
	if err != nil {
		return nil, err
	}
	if rc.ReceiptNumber != claims.ID || hash != claims.PayloadHash {
		return nil, ErrInvalidReceiptToken
	}
	return rc, nil
}

// newReceiptNumber is RCPT-<utc timestamp>-<six random hex digits>.
func newReceiptNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "RCPT-" + at.UTC().Format(receiptNumberTS) + "-" + suffix
}

func payloadHash(p ReceiptPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode receipt payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
