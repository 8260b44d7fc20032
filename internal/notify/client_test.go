package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Send(t *testing.T) {
	t.Run("posts the email to the service", func(t *testing.T) {
		var got sendRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/send" {
				t.Errorf("expected /send, got %s", r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Fatalf("failed to decode request: %v", err)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		c := NewClient(server.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))

		if err := c.Send(context.Background(), "buyer@example.com", "Receipt", "Thanks"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.To != "buyer@example.com" || got.Subject != "Receipt" || got.Body != "Thanks" {
			t.Errorf("unexpected request: %+v", got)
		}
	})

	t.Run("non-200 response is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := NewClient(server.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))

		if err := c.Send(context.Background(), "buyer@example.com", "Receipt", "Thanks"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("blank base url disables sending", func(t *testing.T) {
		c := NewClient("", slog.New(slog.NewTextHandler(io.Discard, nil)))

		if err := c.Send(context.Background(), "buyer@example.com", "Receipt", "Thanks"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
