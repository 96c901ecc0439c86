package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/runplane-go/internal/admission"
	"github.com/animus-labs/runplane-go/internal/domain"
	"github.com/animus-labs/runplane-go/internal/executor"
	"github.com/animus-labs/runplane-go/internal/platform/auth"
	"github.com/animus-labs/runplane-go/internal/repo"
)

type fakeRunStore struct {
	runs      map[string]domain.Run
	createErr error
	listed    []domain.Run
}

func newFakeRunStore(runs ...domain.Run) *fakeRunStore {
	s := &fakeRunStore{runs: map[string]domain.Run{}}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return s
}

func (s *fakeRunStore) Create(_ context.Context, run domain.Run) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.runs[run.ID] = run
	return nil
}

func (s *fakeRunStore) Get(_ context.Context, id string) (domain.Run, error) {
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *fakeRunStore) List(context.Context, repo.RunFilter) ([]domain.Run, error) {
	return s.listed, nil
}

func (s *fakeRunStore) QueryUnfinished(context.Context, *time.Time) ([]domain.Run, error) {
	return nil, nil
}

func (s *fakeRunStore) QueryInFlightForPrincipal(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func (s *fakeRunStore) FindActiveRunForProject(context.Context, string) (string, error) {
	return "", nil
}

func (s *fakeRunStore) UpdateStatus(_ context.Context, id string, from []domain.Status, to domain.Status, fields repo.UpdateFields) error {
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	matched := false
	for _, f := range from {
		if run.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		if run.Status.Terminal() {
			return repo.ErrAlreadyTerminal
		}
		return errors.New("state mismatch")
	}
	run.Status = to
	if fields.CompletedAt != nil {
		run.CompletedAt = fields.CompletedAt
	}
	if fields.ErrorMessage != nil {
		run.ErrorMessage = *fields.ErrorMessage
	}
	s.runs[id] = run
	return nil
}

type fakeManager struct {
	activeRunID string
	activeErr   error
	stopErr     error
	stops       []string
	stopReasons []string
}

func (m *fakeManager) StopRun(_ context.Context, runID, reason string) error {
	m.stops = append(m.stops, runID)
	m.stopReasons = append(m.stopReasons, reason)
	return m.stopErr
}

func (m *fakeManager) FindActiveRunForProject(context.Context, string) (string, error) {
	return m.activeRunID, m.activeErr
}

type fakeAdmission struct {
	decision admission.Decision
}

func (a *fakeAdmission) Check(context.Context, string) admission.Decision {
	return a.decision
}

type fakeDispatcher struct {
	tasks []executor.Task
	err   error
}

func (d *fakeDispatcher) Submit(_ context.Context, task executor.Task) error {
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

type fakeBuffers struct {
	chunks []string
}

func (b *fakeBuffers) RangeBuffer(_ context.Context, _ string, start, stop int64) ([]string, error) {
	if start >= int64(len(b.chunks)) {
		return nil, nil
	}
	end := int64(len(b.chunks))
	if stop >= 0 && stop+1 < end {
		end = stop + 1
	}
	return b.chunks[start:end], nil
}

type apiFixture struct {
	api        *controlplaneAPI
	store      *fakeRunStore
	mgr        *fakeManager
	admitter   *fakeAdmission
	dispatcher *fakeDispatcher
	mux        *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store:      newFakeRunStore(),
		mgr:        &fakeManager{},
		admitter:   &fakeAdmission{decision: admission.Decision{CanStart: true, Limit: 5}},
		dispatcher: &fakeDispatcher{},
	}
	f.api = &controlplaneAPI{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		runs:           f.store,
		mgr:            f.mgr,
		admission:      f.admitter,
		dispatch:       f.dispatcher,
		buffers:        &fakeBuffers{},
		runTokenSecret: "api-test-secret",
		runTokenTTL:    time.Hour,
	}
	f.mux = http.NewServeMux()
	f.api.register(f.mux)
	return f
}

func (f *apiFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	identity := auth.Identity{Subject: "user-1", Roles: []string{auth.RoleAdmin}}
	return f.doAs(t, identity, method, target, body)
}

func (f *apiFixture) doAs(t *testing.T, identity auth.Identity, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-Request-Id", "req-test")
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestStartRun(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/projects/proj-1/agent-runs",
		`{"thread_id":"thread-1","agent_id":"agent-1","params":{"model":"m1"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != string(domain.StatusRunning) {
		t.Fatalf("status=%v, want running", body["status"])
	}
	token, _ := body["stream_token"].(string)
	if token == "" {
		t.Fatalf("missing stream_token")
	}
	claims, err := auth.VerifyRunToken("api-test-secret", token, time.Time{})
	if err != nil {
		t.Fatalf("stream token invalid: %v", err)
	}
	if claims.RunID != body["id"] {
		t.Fatalf("token run_id=%s, body id=%v", claims.RunID, body["id"])
	}

	if len(f.dispatcher.tasks) != 1 {
		t.Fatalf("dispatched %d tasks", len(f.dispatcher.tasks))
	}
	task := f.dispatcher.tasks[0]
	if task.ThreadID != "thread-1" || task.Attempt != 1 || task.Params["model"] != "m1" {
		t.Fatalf("task=%+v", task)
	}
}

func TestStartRunRequiresThread(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/projects/proj-1/agent-runs", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "thread_id_required" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestStartRunRejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/projects/proj-1/agent-runs",
		`{"thread_id":"thread-1","bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestStartRunAdmissionDenied(t *testing.T) {
	f := newAPIFixture(t)
	f.admitter.decision = admission.Decision{CanStart: false, Running: 5, Limit: 5}

	rec := f.do(t, http.MethodPost, "/projects/proj-1/agent-runs", `{"thread_id":"thread-1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "admission_limit_reached" || body["running"] != float64(5) || body["limit"] != float64(5) {
		t.Fatalf("body=%s", rec.Body.String())
	}
	if len(f.dispatcher.tasks) != 0 {
		t.Fatalf("denied start still dispatched")
	}
}

func TestStartRunThreadNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.store.createErr = repo.ErrThreadNotFound

	rec := f.do(t, http.MethodPost, "/projects/proj-1/agent-runs", `{"thread_id":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "thread_not_found" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestStartRunSingleRunConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.api.singleRunPerProject = true
	f.mgr.activeRunID = "run-active"

	rec := f.do(t, http.MethodPost, "/projects/proj-1/agent-runs", `{"thread_id":"thread-1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "project_run_active" || body["run_id"] != "run-active" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestStartRunDispatchFailureRollsBack(t *testing.T) {
	f := newAPIFixture(t)
	f.dispatcher.err = errors.New("queue down")

	rec := f.do(t, http.MethodPost, "/projects/proj-1/agent-runs", `{"thread_id":"thread-1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "dispatch_unavailable" {
		t.Fatalf("body=%s", rec.Body.String())
	}
	if len(f.mgr.stops) != 1 || f.mgr.stopReasons[0] != "dispatch failed" {
		t.Fatalf("rollback stop=%v reasons=%v", f.mgr.stops, f.mgr.stopReasons)
	}
}

func TestGetRun(t *testing.T) {
	f := newAPIFixture(t)
	f.store.runs["run-1"] = domain.Run{ID: "run-1", ThreadID: "thread-1", Status: domain.StatusRunning}

	rec := f.do(t, http.MethodGet, "/agent-runs/run-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if decodeBody(t, rec)["id"] != "run-1" {
		t.Fatalf("body=%s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/agent-runs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestListRunsValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/projects/proj-1/agent-runs?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/projects/proj-1/agent-runs?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/projects/proj-1/agent-runs?limit=20&status=running", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestActiveRun(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/projects/proj-1/agent-runs/active", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 when no active run", rec.Code)
	}

	f.mgr.activeRunID = "run-9"
	rec = f.do(t, http.MethodGet, "/projects/proj-1/agent-runs/active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if decodeBody(t, rec)["run_id"] != "run-9" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestStopRun(t *testing.T) {
	f := newAPIFixture(t)
	f.store.runs["run-1"] = domain.Run{ID: "run-1", ThreadID: "thread-1", Status: domain.StatusRunning}

	rec := f.do(t, http.MethodPost, "/agent-runs/run-1/stop", `{"reason":"operator"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(f.mgr.stops) != 1 || f.mgr.stopReasons[0] != "operator" {
		t.Fatalf("stops=%v reasons=%v", f.mgr.stops, f.mgr.stopReasons)
	}
}

func TestStopRunAlreadyTerminal(t *testing.T) {
	f := newAPIFixture(t)
	f.mgr.stopErr = repo.ErrAlreadyTerminal

	rec := f.do(t, http.MethodPost, "/agent-runs/run-1/stop", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "already_terminal" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestStopRunNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.mgr.stopErr = repo.ErrNotFound

	rec := f.do(t, http.MethodPost, "/agent-runs/missing/stop", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestRetryRun(t *testing.T) {
	f := newAPIFixture(t)
	f.store.runs["run-1"] = domain.Run{
		ID:       "run-1",
		ThreadID: "thread-1",
		AgentID:  "agent-1",
		Status:   domain.StatusFailed,
		Metadata: domain.Metadata{
			"params":  map[string]any{"model": "m1"},
			"attempt": float64(1),
		},
	}

	rec := f.do(t, http.MethodPost, "/agent-runs/run-1/retry", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	meta, _ := body["metadata"].(map[string]any)
	if meta["retry_of"] != "run-1" {
		t.Fatalf("metadata=%v", meta)
	}
	if body["id"] == "run-1" {
		t.Fatalf("retry reused the source run id")
	}

	if len(f.dispatcher.tasks) != 1 {
		t.Fatalf("dispatched %d tasks", len(f.dispatcher.tasks))
	}
	task := f.dispatcher.tasks[0]
	if task.Attempt != 2 || task.Params["model"] != "m1" {
		t.Fatalf("task=%+v", task)
	}
}

func TestRetryRunNotRetryable(t *testing.T) {
	f := newAPIFixture(t)
	completed := time.Now().UTC()
	f.store.runs["run-1"] = domain.Run{
		ID: "run-1", ThreadID: "thread-1",
		Status: domain.StatusCompleted, CompletedAt: &completed,
	}

	rec := f.do(t, http.MethodPost, "/agent-runs/run-1/retry", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "not_retryable" {
		t.Fatalf("body=%s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/agent-runs/run-2/retry", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestStreamCursor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/agent-runs/run-1/events", nil)
	if cursor, err := streamCursor(req); err != nil || cursor != 0 {
		t.Fatalf("cursor=%d err=%v", cursor, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/agent-runs/run-1/events?cursor=7", nil)
	if cursor, err := streamCursor(req); err != nil || cursor != 7 {
		t.Fatalf("cursor=%d err=%v", cursor, err)
	}

	// Last-Event-ID names the last delivered chunk; resume after it.
	req = httptest.NewRequest(http.MethodGet, "/agent-runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "7")
	if cursor, err := streamCursor(req); err != nil || cursor != 8 {
		t.Fatalf("cursor=%d err=%v", cursor, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/agent-runs/run-1/events?cursor=-1", nil)
	if _, err := streamCursor(req); err == nil {
		t.Fatalf("expected rejection of negative cursor")
	}
}

func TestTokenScope(t *testing.T) {
	session := auth.Identity{Subject: "user-1"}
	if !tokenScopeAllows(session, "run-1") {
		t.Fatalf("session identity must reach any run")
	}

	scoped := auth.Identity{Subject: runTokenSubjectPrefix + "run-1"}
	if !tokenScopeAllows(scoped, "run-1") {
		t.Fatalf("token identity must reach its own run")
	}
	if tokenScopeAllows(scoped, "run-2") {
		t.Fatalf("token identity must not reach other runs")
	}
}

func TestRunTokenIdentityScopedToItsRun(t *testing.T) {
	f := newAPIFixture(t)
	completed := time.Now().UTC()
	f.store.runs["run-1"] = domain.Run{
		ID: "run-1", ThreadID: "thread-1",
		Status: domain.StatusCompleted, CompletedAt: &completed,
	}
	f.store.runs["run-2"] = domain.Run{ID: "run-2", ThreadID: "thread-2", Status: domain.StatusRunning}
	scoped := auth.Identity{Subject: runTokenSubjectPrefix + "run-1", Roles: []string{auth.RoleViewer}}

	rec := f.doAs(t, scoped, http.MethodGet, "/agent-runs/run-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("own run status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.doAs(t, scoped, http.MethodGet, "/agent-runs/run-1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("own run stream status=%d", rec.Code)
	}

	rec = f.doAs(t, scoped, http.MethodGet, "/agent-runs/run-2", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign run status=%d, want 403", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "forbidden" {
		t.Fatalf("body=%s", rec.Body.String())
	}
	rec = f.doAs(t, scoped, http.MethodGet, "/agent-runs/run-2/transcript", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign transcript status=%d, want 403", rec.Code)
	}
	rec = f.doAs(t, scoped, http.MethodGet, "/agent-runs/run-2/events", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign stream status=%d, want 403", rec.Code)
	}

	// Project-wide reads are never in a run token's scope.
	rec = f.doAs(t, scoped, http.MethodGet, "/projects/proj-1/agent-runs", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("list status=%d, want 403", rec.Code)
	}
	rec = f.doAs(t, scoped, http.MethodGet, "/projects/proj-1/agent-runs/active", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("active lookup status=%d, want 403", rec.Code)
	}
}

func TestStreamAuthenticator(t *testing.T) {
	secret := "api-test-secret"
	now := time.Now().UTC()
	token, err := auth.GenerateRunToken(secret, auth.RunTokenClaims{
		RunID:         "run-1",
		ExpiresAtUnix: now.Add(time.Hour).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("GenerateRunToken() err=%v", err)
	}

	authn := streamAuthenticator{secret: secret, fallback: auth.DisabledAuthenticator{}}

	req := httptest.NewRequest(http.MethodGet, "/agent-runs/run-1/events?token="+token, nil)
	identity, err := authn.Authenticate(t.Context(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != runTokenSubjectPrefix+"run-1" {
		t.Fatalf("subject=%q", identity.Subject)
	}

	req = httptest.NewRequest(http.MethodGet, "/agent-runs/run-1/events?token=garbage", nil)
	if _, err := authn.Authenticate(t.Context(), req); err == nil {
		t.Fatalf("expected invalid token rejection")
	}

	// No token falls through to the session authenticator.
	req = httptest.NewRequest(http.MethodGet, "/agent-runs/run-1/events", nil)
	identity, err = authn.Authenticate(t.Context(), req)
	if err != nil || identity.Subject != "anonymous" {
		t.Fatalf("identity=%+v err=%v", identity, err)
	}
}

func TestStreamRunEventsTerminalReplay(t *testing.T) {
	f := newAPIFixture(t)
	completed := time.Now().UTC()
	f.store.runs["run-1"] = domain.Run{
		ID: "run-1", ThreadID: "thread-1",
		Status: domain.StatusCompleted, CompletedAt: &completed,
	}
	f.api.buffers = &fakeBuffers{chunks: []string{`{"type":"chunk"}`, `{"type":"result"}`}}

	rec := f.do(t, http.MethodGet, "/agent-runs/run-1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: ready") {
		t.Fatalf("missing ready event: %s", out)
	}
	if strings.Count(out, "event: chunk") != 2 {
		t.Fatalf("expected 2 chunk events: %s", out)
	}
	if !strings.Contains(out, "event: status") || !strings.Contains(out, `"status":"completed"`) {
		t.Fatalf("missing terminal status event: %s", out)
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Fatalf("X-Accel-Buffering=%q", got)
	}
}

func TestStreamRunEventsCursorSkipsReplayed(t *testing.T) {
	f := newAPIFixture(t)
	completed := time.Now().UTC()
	f.store.runs["run-1"] = domain.Run{
		ID: "run-1", ThreadID: "thread-1",
		Status: domain.StatusCancelled, CompletedAt: &completed,
	}
	f.api.buffers = &fakeBuffers{chunks: []string{"a", "b", "c"}}

	rec := f.do(t, http.MethodGet, "/agent-runs/run-1/events?cursor=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	out := rec.Body.String()
	if strings.Count(out, "event: chunk") != 1 {
		t.Fatalf("expected 1 chunk after cursor: %s", out)
	}
}
