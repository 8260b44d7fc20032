package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/joao-fontenele/primestore/internal/domain"
)

var (
	ErrNotConfigured       = errors.New("payment gateway credentials are not configured")
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrProviderUnreachable = errors.New("payment provider unreachable")
)

// ProviderError is a business rejection from the provider (4xx with a
// reason), as opposed to a transport failure.
type ProviderError struct {
	StatusCode int
	Detail     string
}

func (e *ProviderError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("provider rejected request: %s", e.Detail)
	}
	return fmt.Sprintf("provider rejected request with status %d", e.StatusCode)
}

var kenyaPhonePattern = regexp.MustCompile(`^254\d{9}$`)

// NormalizePhone coerces the common ways customers type a Kenyan mobile
// number (07..., 7..., 254..., +254...) into the provider's 254-prefixed
// form. Anything else comes back unchanged for the caller to reject against
// ValidPhone.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' || r == '+' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimPrefix(b.String(), "+")

	switch {
	case kenyaPhonePattern.MatchString(digits):
		return digits
	case len(digits) == 10 && digits[0] == '0':
		return "254" + digits[1:]
	case len(digits) == 9:
		return "254" + digits
	}
	return digits
}

func ValidPhone(phone string) bool {
	return kenyaPhonePattern.MatchString(phone)
}

type GatewayConfig struct {
	PublicKey    string
	SecretKey    string
	PushURL      string
	StatusURL    string
	BusinessName string
	Currency     string
	TestMode     bool
}

// Gateway normalizes the mobile-money provider's loosely shaped payloads.
// Raw provider vocabulary is mapped onto domain.PaymentState at this
// boundary and never leaks past it.
type Gateway struct {
	cfg    GatewayConfig
	client *http.Client
}

func NewGateway(cfg GatewayConfig, client *http.Client) *Gateway {
	if cfg.Currency == "" {
		cfg.Currency = "KES"
	}
	if cfg.BusinessName == "" {
		cfg.BusinessName = "Prime Store"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) Configured() bool {
	return g.cfg.PublicKey != "" && g.cfg.SecretKey != ""
}

type PushRequest struct {
	Amount    int64
	Phone     string
	Email     string
	FullName  string
	Reference string
}

type PushResult struct {
	Configured bool                `json:"configured"`
	InvoiceID  string              `json:"invoice_id,omitempty"`
	State      domain.PaymentState `json:"state,omitempty"`
	Raw        json.RawMessage     `json:"raw,omitempty"`
}

// InitiatePush asks the provider to prompt the customer's phone. Missing
// credentials are a configuration condition, not an error: the caller gets
// Configured=false and can present "payment unavailable".
func (g *Gateway) InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error) {
	if !g.Configured() {
		return &PushResult{Configured: false}, nil
	}

	firstName, lastName := splitName(req.FullName)
	reference := req.Reference
	if reference == "" {
		reference = g.reference()
	}

	payload := map[string]any{
		"public_key":   g.cfg.PublicKey,
		"amount":       float64(req.Amount) / 100,
		"currency":     g.cfg.Currency,
		"phone_number": req.Phone,
		"email":        req.Email,
		"first_name":   firstName,
		"last_name":    lastName,
		"api_ref":      reference,
	}

	body, err := g.post(ctx, g.cfg.PushURL, payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Invoice struct {
			InvoiceID string `json:"invoice_id"`
		} `json:"invoice"`
		InvoiceID string `json:"invoice_id"`
		ID        string `json:"id"`
		State     string `json:"state"`
		Status    string `json:"status"`
	}
	_ = json.Unmarshal(body, &parsed)

	invoiceID := parsed.Invoice.InvoiceID
	if invoiceID == "" {
		invoiceID = parsed.InvoiceID
	}
	if invoiceID == "" {
		invoiceID = parsed.ID
	}

	state := parsed.State
	if state == "" {
		state = parsed.Status
	}

	return &PushResult{
		Configured: true,
		InvoiceID:  invoiceID,
		State:      normalizeProviderState(state),
		Raw:        body,
	}, nil
}

type StatusResult struct {
	InvoiceID string              `json:"invoice_id"`
	State     domain.PaymentState `json:"state"`
	Raw       json.RawMessage     `json:"raw,omitempty"`
}

// PollStatus looks up one attempt. Only the provider's explicit failure
// vocabulary maps to failed; unrecognized states and non-2xx lookups come
// back pending so a transient provider hiccup never flaps a payment to
// failed.
func (g *Gateway) PollStatus(ctx context.Context, invoiceID string) (*StatusResult, error) {
	if g.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}

	statusURL := g.cfg.StatusURL
	if strings.Contains(statusURL, "{invoiceId}") {
		statusURL = strings.Replace(statusURL, "{invoiceId}", url.PathEscape(invoiceID), 1)
	} else {
		sep := "?"
		if strings.Contains(statusURL, "?") {
			sep = "&"
		}
		statusURL = statusURL + sep + "invoice_id=" + url.QueryEscape(invoiceID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	state := stateFromPayload(body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if state != domain.PaymentStateFailed {
			state = domain.PaymentStatePending
		}
	}

	return &StatusResult{InvoiceID: invoiceID, State: state, Raw: body}, nil
}

// CheckoutConfig returns the frontend-safe slice of the gateway
// configuration. Secret material stays on the backend.
func (g *Gateway) CheckoutConfig(amount int64, orderID string) map[string]any {
	if !g.Configured() {
		return map[string]any{
			"configured": false,
			"message":    "payment gateway keys are missing",
			"amount":     amount,
			"order_id":   orderID,
		}
	}

	reference := orderID
	if reference == "" {
		reference = g.reference()
	}

	return map[string]any{
		"configured": true,
		"public_key": g.cfg.PublicKey,
		"test_mode":  g.cfg.TestMode,
		"currency":   g.cfg.Currency,
		"amount":     amount,
		"order_id":   orderID,
		"reference":  reference,
	}
}

func (g *Gateway) post(ctx context.Context, postURL string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Detail: providerDetail(body)}
	}

	return body, nil
}

func (g *Gateway) reference() string {
	var b strings.Builder
	for _, r := range strings.ToUpper(g.cfg.BusinessName) {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return fmt.Sprintf("%s-%d", b.String(), time.Now().UnixMilli())
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func stateFromPayload(body []byte) domain.PaymentState {
	var payload struct {
		State  string `json:"state"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &payload)

	state := payload.State
	if state == "" {
		state = payload.Status
	}
	return normalizeProviderState(state)
}

// normalizeProviderState maps the provider's vocabulary onto the closed
// internal enum. Unknown strings are pending, never failed.
func normalizeProviderState(raw string) domain.PaymentState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "complete", "completed", "success", "succeeded", "paid":
		return domain.PaymentStatePaid
	case "failed", "cancelled", "canceled", "declined":
		return domain.PaymentStateFailed
	default:
		return domain.PaymentStatePending
	}
}

// providerDetail digs the human-readable reason out of the provider's
// several error shapes.
func providerDetail(body []byte) string {
	var payload struct {
		Errors []struct {
			Detail  string `json:"detail"`
			Message string `json:"message"`
		} `json:"errors"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}

	if len(payload.Errors) > 0 {
		if payload.Errors[0].Detail != "" {
			return payload.Errors[0].Detail
		}
		if payload.Errors[0].Message != "" {
			return payload.Errors[0].Message
		}
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
