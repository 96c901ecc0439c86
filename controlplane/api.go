package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/runplane-go/internal/admission"
	"github.com/animus-labs/runplane-go/internal/artifacts"
	"github.com/animus-labs/runplane-go/internal/domain"
	"github.com/animus-labs/runplane-go/internal/executor"
	"github.com/animus-labs/runplane-go/internal/platform/auditlog"
	"github.com/animus-labs/runplane-go/internal/platform/auth"
	"github.com/animus-labs/runplane-go/internal/repo"
)

type runManager interface {
	StopRun(ctx context.Context, runID, reason string) error
	FindActiveRunForProject(ctx context.Context, projectID string) (string, error)
}

type admissionChecker interface {
	Check(ctx context.Context, principalID string) admission.Decision
}

type bufferReader interface {
	RangeBuffer(ctx context.Context, key string, start, stop int64) ([]string, error)
}

type transcriptArchive interface {
	OpenTranscript(ctx context.Context, runID string) (io.ReadCloser, error)
}

type controlplaneAPI struct {
	logger    *slog.Logger
	db        *sql.DB
	runs      repo.RunStore
	mgr       runManager
	admission admissionChecker
	dispatch  executor.Dispatcher
	buffers   bufferReader
	archive   transcriptArchive

	runTokenSecret      string
	runTokenTTL         time.Duration
	singleRunPerProject bool
}

func (api *controlplaneAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects/{project_id}/agent-runs", api.handleStartRun)
	mux.HandleFunc("GET /projects/{project_id}/agent-runs", api.handleListRuns)
	mux.HandleFunc("GET /projects/{project_id}/agent-runs/active", api.handleActiveRun)

	mux.HandleFunc("GET /agent-runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /agent-runs/{run_id}/stop", api.handleStopRun)
	mux.HandleFunc("POST /agent-runs/{run_id}/retry", api.handleRetryRun)
	mux.HandleFunc("GET /agent-runs/{run_id}/events", api.handleStreamRunEvents)
	mux.HandleFunc("GET /agent-runs/{run_id}/transcript", api.handleDownloadTranscript)
}

type runResponse struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"thread_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	AgentVersionID string         `json:"agent_version_id,omitempty"`
	Status         string         `json:"status"`
	InstanceID     string         `json:"instance_id,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func toRunResponse(run domain.Run) runResponse {
	meta := run.Metadata
	if meta == nil {
		meta = domain.Metadata{}
	}
	return runResponse{
		ID:             run.ID,
		ThreadID:       run.ThreadID,
		AgentID:        run.AgentID,
		AgentVersionID: run.AgentVersionID,
		Status:         string(run.Status),
		InstanceID:     run.InstanceID,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		ErrorMessage:   run.ErrorMessage,
		Metadata:       meta,
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
	}
}

type startRunRequest struct {
	ThreadID       string         `json:"thread_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	AgentVersionID string         `json:"agent_version_id,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type startRunResponse struct {
	runResponse
	StreamToken string `json:"stream_token"`
}

const (
	metadataParamsKey  = "params"
	metadataAttemptKey = "attempt"
)

func (api *controlplaneAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}

	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		api.writeError(w, r, http.StatusBadRequest, "thread_id_required")
		return
	}

	decision := api.admission.Check(r.Context(), identity.Subject)
	if !decision.CanStart {
		api.audit(r, identity.Subject, "run.start.denied", "agent_thread", threadID, map[string]any{
			"running": decision.Running,
			"limit":   decision.Limit,
		})
		api.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "admission_limit_reached",
			"request_id": r.Header.Get("X-Request-Id"),
			"running":    decision.Running,
			"limit":      decision.Limit,
		})
		return
	}

	if api.singleRunPerProject {
		activeID, err := api.mgr.FindActiveRunForProject(r.Context(), projectID)
		if err != nil {
			api.logger.Error("active run lookup failed", "project_id", projectID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if activeID != "" {
			api.writeJSON(w, http.StatusConflict, map[string]any{
				"error":      "project_run_active",
				"request_id": r.Header.Get("X-Request-Id"),
				"run_id":     activeID,
			})
			return
		}
	}

	meta := domain.Metadata(req.Metadata).Clone()
	if req.Params != nil {
		meta[metadataParamsKey] = req.Params
	}
	meta[metadataAttemptKey] = 1

	run, status := api.createAndDispatch(w, r, domain.Run{
		ID:             uuid.NewString(),
		ThreadID:       threadID,
		AgentID:        strings.TrimSpace(req.AgentID),
		AgentVersionID: strings.TrimSpace(req.AgentVersionID),
		Metadata:       meta,
	}, req.Params, 1)
	if status != 0 {
		return
	}

	api.audit(r, identity.Subject, "run.start", "agent_run", run.ID, map[string]any{"thread_id": threadID})
	api.respondWithRun(w, r, run)
}

// createAndDispatch persists a new pending run, promotes it to running and
// submits the dispatch task. A non-zero returned status means the response
// has already been written.
func (api *controlplaneAPI) createAndDispatch(w http.ResponseWriter, r *http.Request, run domain.Run, params map[string]any, attempt int) (domain.Run, int) {
	now := time.Now().UTC()
	run.Status = domain.StatusPending
	run.StartedAt = now
	run.CreatedAt = now
	run.UpdatedAt = now

	if err := api.runs.Create(r.Context(), run); err != nil {
		if errors.Is(err, repo.ErrThreadNotFound) {
			api.writeError(w, r, http.StatusNotFound, "thread_not_found")
			return domain.Run{}, http.StatusNotFound
		}
		api.logger.Error("run create failed", "run_id", run.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return domain.Run{}, http.StatusInternalServerError
	}

	if err := api.runs.UpdateStatus(r.Context(), run.ID,
		[]domain.Status{domain.StatusPending}, domain.StatusRunning, repo.UpdateFields{}); err != nil {
		api.logger.Error("run promote failed", "run_id", run.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return domain.Run{}, http.StatusInternalServerError
	}
	run.Status = domain.StatusRunning

	err := api.dispatch.Submit(r.Context(), executor.Task{
		RunID:    run.ID,
		ThreadID: run.ThreadID,
		Attempt:  attempt,
		Params:   params,
	})
	if err != nil {
		api.logger.Error("dispatch failed", "run_id", run.ID, "error", err)
		if stopErr := api.mgr.StopRun(r.Context(), run.ID, "dispatch failed"); stopErr != nil {
			api.logger.Error("dispatch rollback failed", "run_id", run.ID, "error", stopErr)
		}
		api.writeError(w, r, http.StatusServiceUnavailable, "dispatch_unavailable")
		return domain.Run{}, http.StatusServiceUnavailable
	}
	return run, 0
}

func (api *controlplaneAPI) respondWithRun(w http.ResponseWriter, r *http.Request, run domain.Run) {
	token, err := auth.GenerateRunToken(api.runTokenSecret, auth.RunTokenClaims{
		RunID:         run.ID,
		ThreadID:      run.ThreadID,
		ExpiresAtUnix: time.Now().UTC().Add(api.runTokenTTL).Unix(),
	}, time.Now().UTC())
	if err != nil {
		api.logger.Error("run token issue failed", "run_id", run.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusAccepted, startRunResponse{
		runResponse: toRunResponse(run),
		StreamToken: token,
	})
}

func (api *controlplaneAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	if !tokenScopeAllows(identity, runID) {
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	run, err := api.runs.Get(r.Context(), runID)
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		api.logger.Error("run fetch failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *controlplaneAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}

	filter := repo.RunFilter{
		ProjectID: projectID,
		Limit:     parseIntQuery(r, "limit", 50),
		Offset:    parseIntQuery(r, "offset", 0),
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	if isRunTokenIdentity(identity) {
		// Run tokens are scoped to a single run, never a project listing.
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	if filter.Limit < 1 || filter.Limit > 200 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
		return
	}
	if filter.Offset < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_offset")
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}

	runs, err := api.runs.List(r.Context(), filter)
	if err != nil {
		api.logger.Error("run list failed", "project_id", projectID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out, "count": len(out)})
}

func (api *controlplaneAPI) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	if isRunTokenIdentity(identity) {
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	runID, err := api.mgr.FindActiveRunForProject(r.Context(), projectID)
	if err != nil {
		api.logger.Error("active run lookup failed", "project_id", projectID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if runID == "" {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID})
}

type stopRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (api *controlplaneAPI) handleStopRun(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	var req stopRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	err := api.mgr.StopRun(r.Context(), runID, strings.TrimSpace(req.Reason))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	case errors.Is(err, repo.ErrAlreadyTerminal):
		api.writeError(w, r, http.StatusConflict, "already_terminal")
		return
	case err != nil:
		api.logger.Error("stop failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable")
		return
	}

	api.audit(r, identity.Subject, "run.stop", "agent_run", runID, map[string]any{"reason": req.Reason})

	run, err := api.runs.Get(r.Context(), runID)
	if err != nil {
		api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID})
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *controlplaneAPI) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	source, err := api.runs.Get(r.Context(), runID)
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		api.logger.Error("run fetch failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !source.Status.Retryable() {
		api.writeError(w, r, http.StatusConflict, "not_retryable")
		return
	}

	decision := api.admission.Check(r.Context(), identity.Subject)
	if !decision.CanStart {
		api.audit(r, identity.Subject, "run.start.denied", "agent_run", source.ID, map[string]any{
			"running": decision.Running,
			"limit":   decision.Limit,
		})
		api.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "admission_limit_reached",
			"request_id": r.Header.Get("X-Request-Id"),
			"running":    decision.Running,
			"limit":      decision.Limit,
		})
		return
	}

	attempt := attemptFromMetadata(source.Metadata) + 1
	meta := source.Metadata.Clone()
	delete(meta, "output")
	delete(meta, "chunks")
	meta[domain.MetadataRetryOf] = source.ID
	meta[metadataAttemptKey] = attempt

	run, status := api.createAndDispatch(w, r, domain.Run{
		ID:             uuid.NewString(),
		ThreadID:       source.ThreadID,
		AgentID:        source.AgentID,
		AgentVersionID: source.AgentVersionID,
		Metadata:       meta,
	}, paramsFromMetadata(source.Metadata), attempt)
	if status != 0 {
		return
	}

	api.audit(r, identity.Subject, "run.retry", "agent_run", run.ID, map[string]any{"retry_of": source.ID})
	api.respondWithRun(w, r, run)
}

func (api *controlplaneAPI) handleDownloadTranscript(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	if !tokenScopeAllows(identity, runID) {
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	if api.archive == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "artifact_store_disabled")
		return
	}
	if _, err := api.runs.Get(r.Context(), runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("run fetch failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	transcript, err := api.archive.OpenTranscript(r.Context(), runID)
	if err != nil {
		if errors.Is(err, artifacts.ErrTranscriptNotFound) {
			api.writeError(w, r, http.StatusNotFound, "transcript_not_found")
			return
		}
		api.logger.Error("transcript open failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "artifact_store_error")
		return
	}
	defer func() { _ = transcript.Close() }()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="transcript.jsonl"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, transcript)
}

func (api *controlplaneAPI) audit(r *http.Request, actor, action, resourceType, resourceID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	if strings.TrimSpace(actor) == "" {
		actor = "anonymous"
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
	defer cancel()
	_, err := auditlog.Insert(ctx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Warn("audit insert failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

func attemptFromMetadata(meta domain.Metadata) int {
	if meta == nil {
		return 1
	}
	switch v := meta[metadataAttemptKey].(type) {
	case int:
		if v >= 1 {
			return v
		}
	case float64:
		if v >= 1 {
			return int(v)
		}
	}
	return 1
}

func paramsFromMetadata(meta domain.Metadata) map[string]any {
	if meta == nil {
		return nil
	}
	if params, ok := meta[metadataParamsKey].(map[string]any); ok {
		return params
	}
	return nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *controlplaneAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *controlplaneAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return parsed
}
