package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/joao-fontenele/primestore/internal/domain"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  string
		valid bool
	}{
		{"local zero prefix", "0712345678", "254712345678", true},
		{"bare nine digits", "712345678", "254712345678", true},
		{"already normalized", "254712345678", "254712345678", true},
		{"plus prefix", "+254712345678", "254712345678", true},
		{"with spaces and dashes", " 0712 345-678 ", "254712345678", true},
		{"too short", "07123", "07123", false},
		{"letters", "not-a-phone", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizePhone(tt.raw)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if ValidPhone(got) != tt.valid {
				t.Errorf("expected valid=%v for %q", tt.valid, got)
			}
		})
	}
}

func TestNormalizeProviderState(t *testing.T) {
	paid := []string{"COMPLETE", "completed", "success", "Succeeded", "paid"}
	for _, raw := range paid {
		if got := normalizeProviderState(raw); got != domain.PaymentStatePaid {
			t.Errorf("expected %q to normalize to paid, got %s", raw, got)
		}
	}

	failed := []string{"FAILED", "cancelled", "canceled", "declined"}
	for _, raw := range failed {
		if got := normalizeProviderState(raw); got != domain.PaymentStateFailed {
			t.Errorf("expected %q to normalize to failed, got %s", raw, got)
		}
	}

	// Anything unrecognized stays pending rather than flapping to failed.
	pending := []string{"", "PROCESSING", "pending", "retry", "garbage"}
	for _, raw := range pending {
		if got := normalizeProviderState(raw); got != domain.PaymentStatePending {
			t.Errorf("expected %q to normalize to pending, got %s", raw, got)
		}
	}
}

func TestGateway_InitiatePush(t *testing.T) {
	t.Run("reports unconfigured without calling the provider", func(t *testing.T) {
		gw := NewGateway(GatewayConfig{}, nil)

		result, err := gw.InitiatePush(context.Background(), PushRequest{Amount: 1000, Phone: "254712345678"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Configured {
			t.Error("expected configured=false")
		}
	})

	t.Run("sends provider payload and extracts nested invoice id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer sk-test" {
				t.Errorf("unexpected authorization header: %s", r.Header.Get("Authorization"))
			}

			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("failed to decode payload: %v", err)
			}
			if payload["phone_number"] != "254712345678" {
				t.Errorf("unexpected phone: %v", payload["phone_number"])
			}
			if payload["amount"] != 125.5 {
				t.Errorf("expected amount in major units, got %v", payload["amount"])
			}
			if payload["first_name"] != "Wanjiku" || payload["last_name"] != "Kamau" {
				t.Errorf("unexpected name split: %v %v", payload["first_name"], payload["last_name"])
			}

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"invoice":{"invoice_id":"INV-1"},"state":"PROCESSING"}`))
		}))
		defer server.Close()

		gw := NewGateway(GatewayConfig{
			PublicKey: "pk-test",
			SecretKey: "sk-test",
			PushURL:   server.URL,
		}, server.Client())

		result, err := gw.InitiatePush(context.Background(), PushRequest{
			Amount:    12550,
			Phone:     "254712345678",
			FullName:  "Wanjiku Kamau",
			Reference: "order-1",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.InvoiceID != "INV-1" {
			t.Errorf("expected invoice INV-1, got %s", result.InvoiceID)
		}
		if result.State != domain.PaymentStatePending {
			t.Errorf("expected pending, got %s", result.State)
		}
	})

	t.Run("surfaces provider rejection detail", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":[{"detail":"amount below minimum"}]}`))
		}))
		defer server.Close()

		gw := NewGateway(GatewayConfig{
			PublicKey: "pk-test",
			SecretKey: "sk-test",
			PushURL:   server.URL,
		}, server.Client())

		_, err := gw.InitiatePush(context.Background(), PushRequest{Amount: 1, Phone: "254712345678"})

		var provErr *ProviderError
		if !errors.As(err, &provErr) {
			t.Fatalf("expected ProviderError, got %v", err)
		}
		if provErr.Detail != "amount below minimum" {
			t.Errorf("unexpected detail: %s", provErr.Detail)
		}
	})

	t.Run("wraps network failure as unreachable", func(t *testing.T) {
		gw := NewGateway(GatewayConfig{
			PublicKey: "pk-test",
			SecretKey: "sk-test",
			PushURL:   "http://127.0.0.1:1",
		}, nil)

		_, err := gw.InitiatePush(context.Background(), PushRequest{Amount: 1000, Phone: "254712345678"})
		if !errors.Is(err, ErrProviderUnreachable) {
			t.Fatalf("expected ErrProviderUnreachable, got %v", err)
		}
	})
}

func TestGateway_PollStatus(t *testing.T) {
	t.Run("substitutes invoice id into templated url", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/status/INV-9" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			_, _ = w.Write([]byte(`{"invoice":{"state":"ignored"},"state":"COMPLETE"}`))
		}))
		defer server.Close()

		gw := NewGateway(GatewayConfig{
			PublicKey: "pk-test",
			SecretKey: "sk-test",
			StatusURL: server.URL + "/status/{invoiceId}",
		}, server.Client())

		result, err := gw.PollStatus(context.Background(), "INV-9")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.State != domain.PaymentStatePaid {
			t.Errorf("expected paid, got %s", result.State)
		}
	})

	t.Run("non-2xx lookup keeps payment pending", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"detail":"try again"}`))
		}))
		defer server.Close()

		gw := NewGateway(GatewayConfig{
			PublicKey: "pk-test",
			SecretKey: "sk-test",
			StatusURL: server.URL + "/status/{invoiceId}",
		}, server.Client())

		result, err := gw.PollStatus(context.Background(), "INV-9")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.State != domain.PaymentStatePending {
			t.Errorf("expected pending, got %s", result.State)
		}
	})

	t.Run("explicit failure survives non-2xx lookup", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"state":"FAILED"}`))
		}))
		defer server.Close()

		gw := NewGateway(GatewayConfig{
			PublicKey: "pk-test",
			SecretKey: "sk-test",
			StatusURL: server.URL + "/status/{invoiceId}",
		}, server.Client())

		result, err := gw.PollStatus(context.Background(), "INV-9")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.State != domain.PaymentStateFailed {
			t.Errorf("expected failed, got %s", result.State)
		}
	})
}

func TestGateway_CheckoutConfig(t *testing.T) {
	gw := NewGateway(GatewayConfig{PublicKey: "pk-test", SecretKey: "sk-test", TestMode: true}, nil)

	cfg := gw.CheckoutConfig(5000, "order-7")
	if cfg["configured"] != true {
		t.Error("expected configured=true")
	}
	if cfg["public_key"] != "pk-test" {
		t.Errorf("unexpected public key: %v", cfg["public_key"])
	}
	if _, ok := cfg["secret_key"]; ok {
		t.Error("secret key must not be exposed")
	}
	if cfg["reference"] != "order-7" {
		t.Errorf("unexpected reference: %v", cfg["reference"])
	}
}
