package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricetrack/internal/storage"
)

func testAlert() storage.AlertRecord {
	return storage.AlertRecord{
		ID:             "alert-1",
		ProductID:      "p1",
		RuleID:         "drop-15",
		RuleName:       "15% drop",
		TriggeredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ChangeID:       "chg-1",
		Message:        "p1: price dropped 20.0% to 40 (was 50)",
		PriceAtTrigger: decimal.NewFromInt(40),
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestWebhookNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if received["rule_id"] != "drop-15" {
		t.Fatalf("rule_id = %q", received["rule_id"])
	}
	if received["price_at_trigger"] != "40" {
		t.Fatalf("price_at_trigger = %q", received["price_at_trigger"])
	}
	if received["triggered_at"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("triggered_at = %q", received["triggered_at"])
	}
	if received["message"] == "" {
		t.Fatal("message should not be empty")
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestConsoleNotifier(t *testing.T) {
	notifier := NewConsoleNotifier(testLogger())
	if err := notifier.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Notify(context.Context, storage.AlertRecord) error {
	s.calls++
	return s.err
}

func TestMultiNotifierDeliversPastFailures(t *testing.T) {
	failing := &stubNotifier{err: errors.New("channel down")}
	healthy := &stubNotifier{}

	err := Multi{failing, healthy}.Notify(context.Background(), testAlert())
	if err == nil {
		t.Fatal("expected joined error from failing channel")
	}
	if failing.calls != 1 || healthy.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", failing.calls, healthy.calls)
	}
}
