package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Verdict string

const (
	VerdictSuccess  Verdict = "SUCCESS"
	VerdictDeclined Verdict = "DECLINED"
)

type GatewayResult struct {
	Verdict    Verdict
	GatewayRef string
	AuthCode   string
	Reason     string
}

// Gateway charges a card. A returned error means the outcome is unknown
// (network or timeout class) and maps to an ERROR payment.
type Gateway interface {
	ProcessCard(ctx context.Context, cardNumber string, amount int64) (GatewayResult, error)
}

// Sandbox test cards.
const (
	CardSuccess      = "4111111111111111"
	CardDeclined     = "4000000000000002"
	CardNetworkError = "4084084084084084"
)

// SandboxGateway answers from a fixed card matrix for non-production runs.
type SandboxGateway struct{}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{}
}

func (SandboxGateway) ProcessCard(ctx context.Context, cardNumber string, amount int64) (GatewayResult, error) {
	if err := ctx.Err(); err != nil {
		return GatewayResult{}, err
	}
	switch cardNumber {
	case CardSuccess:
		ref := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		return GatewayResult{
			Verdict:    VerdictSuccess,
			GatewayRef: ref,
			AuthCode:   strings.ToUpper(ref[4:10]),
		}, nil
	case CardDeclined:
		return GatewayResult{Verdict: VerdictDeclined, Reason: "card declined by issuer"}, nil
	case CardNetworkError:
		return GatewayResult{}, errors.New("sandbox gateway: simulated network error")
	default:
		return GatewayResult{Verdict: VerdictDeclined, Reason: "unknown test card"}, nil
	}
}

// HTTPGateway talks to a card processor over JSON/HTTP.
type HTTPGateway struct {
	url    string
	client *http.Client
}

func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	CardNumber string `json:"card_number"`
	Amount     int64  `json:"amount"`
}

type chargeResponse struct {
	Status     string `json:"status"`
	GatewayRef string `json:"gateway_ref"`
	AuthCode   string `json:"auth_code"`
	Reason     string `json:"reason"`
}

func (g *HTTPGateway) ProcessCard(ctx context.Context, cardNumber string, amount int64) (GatewayResult, error) {
	body, err := json.Marshal(chargeRequest{CardNumber: cardNumber, Amount: amount})
	if err != nil {
		return GatewayResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return GatewayResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return GatewayResult{}, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return GatewayResult{}, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return GatewayResult{}, fmt.Errorf("read gateway response: %w", err)
	}
	var out chargeResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return GatewayResult{}, fmt.Errorf("decode gateway response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		reason := out.Reason
		if reason == "" {
			reason = fmt.Sprintf("gateway rejected the charge (%d)", resp.StatusCode)
		}
		return GatewayResult{Verdict: VerdictDeclined, GatewayRef: out.GatewayRef, Reason: reason}, nil
	}

	switch Verdict(strings.ToUpper(out.Status)) {
	case VerdictSuccess:
		return GatewayResult{Verdict: VerdictSuccess, GatewayRef: out.GatewayRef, AuthCode: out.AuthCode}, nil
	case VerdictDeclined:
		return GatewayResult{Verdict: VerdictDeclined, GatewayRef: out.GatewayRef, Reason: out.Reason}, nil
	}
	return GatewayResult{}, fmt.Errorf("gateway returned unknown status %q", out.Status)
}
