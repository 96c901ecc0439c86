package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticAuthenticator struct {
	identity Identity
	err      error
}

func (a staticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, a.err
}

func TestMiddlewareSkipsHealthEndpoints(t *testing.T) {
	m := Middleware{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Authenticator: staticAuthenticator{err: ErrUnauthenticated},
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 for skipped prefix", rec.Code)
	}
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	var audited *DenyEvent
	m := Middleware{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Authenticator: staticAuthenticator{err: ErrUnauthenticated},
		Audit: func(ctx context.Context, event DenyEvent) error {
			audited = &event
			return nil
		},
	}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agent-runs/r1/stop", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	if audited == nil || audited.Reason != "unauthenticated" {
		t.Fatalf("audit event=%+v, want unauthenticated deny", audited)
	}
}

func TestMiddlewareAuthorize(t *testing.T) {
	m := Middleware{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Authenticator: staticAuthenticator{identity: Identity{Subject: "u1", Roles: []string{RoleViewer}}},
		Authorize:     MethodRoleAuthorizer(),
	}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity.Subject != "u1" {
			t.Fatalf("identity missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agent-runs/r1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status=%d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agent-runs/r1/stop", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("POST status=%d, want 403 for viewer", rec.Code)
	}
}

func TestMiddlewareAuthorizeInternalError(t *testing.T) {
	m := Middleware{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Authenticator: staticAuthenticator{identity: Identity{Subject: "u1", Roles: []string{RoleAdmin}}},
		Authorize: func(r *http.Request, identity Identity) error {
			return errors.New("lookup failed")
		},
	}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agent-runs/r1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}
