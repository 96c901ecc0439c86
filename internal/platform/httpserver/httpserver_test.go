package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrapAssignsRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	handler := Wrap(logger, "controlplane", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agent-runs/abc", nil))

	if seen == "" {
		t.Fatalf("request id missing from context")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("X-Request-Id=%q, want %q", got, seen)
	}
}

func TestWrapPreservesInboundRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Wrap(logger, "controlplane", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-fixed")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "req-fixed" {
		t.Fatalf("X-Request-Id=%q, want req-fixed", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Wrap(logger, "controlplane", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("body=%q, want internal_server_error", rec.Body.String())
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	bad := ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("down") }}

	rec := httptest.NewRecorder()
	ReadyzWithChecks("controlplane", ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadyzWithChecks("controlplane", ok, bad)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}
