package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestWrapAssignsRequestID(t *testing.T) {
	var seen string
	handler := Wrap(discardLogger(), "test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFromContext(r.Context())
		if !ok {
			t.Fatal("request id missing from context")
		}
		seen = id
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if seen == "" {
		t.Fatal("expected generated request id")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("response header %q != context id %q", got, seen)
	}
}

func TestNewRequestIDProducesDistinctHexIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		id := newRequestID("test")
		if len(id) != 32 {
			t.Fatalf("expected 32 hex chars, got %d (%q)", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestWrapKeepsCallerRequestID(t *testing.T) {
	handler := Wrap(discardLogger(), "test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := RequestIDFromContext(r.Context())
		if id != "caller-id" {
			t.Fatalf("expected caller-id, got %q", id)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "caller-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestRecoverMiddlewareTurnsPanicInto500(t *testing.T) {
	handler := Wrap(discardLogger(), "test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["error"] != "internal_server_error" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadyzWithChecksReportsFailure(t *testing.T) {
	handler := ReadyzWithChecks(
		"test",
		ReadinessCheck{Name: "ok", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "down", Check: func(context.Context) error { return errors.New("unreachable") }},
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Status != "not_ready" {
		t.Fatalf("expected not_ready, got %q", body.Status)
	}
	if len(body.Checks) != 2 || body.Checks[1].Status != "fail" {
		t.Fatalf("unexpected checks: %+v", body.Checks)
	}
}

func TestRunValidatesConfig(t *testing.T) {
	err := Run(context.Background(), discardLogger(), Config{}, http.NewServeMux())
	if err == nil {
		t.Fatal("expected error for empty config")
	}
}
