package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/runplane-go/internal/coordination"
	"github.com/animus-labs/runplane-go/internal/platform/auth"
	"github.com/animus-labs/runplane-go/internal/repo"
)

// runTokenSubjectPrefix marks identities minted from a run token rather
// than a session. Such identities may only read their own run: its record,
// its event stream and its transcript, never project-wide listings.
const runTokenSubjectPrefix = "run-token:"

// streamAuthenticator admits requests carrying a scoped run token in the
// ?token= query parameter (EventSource cannot set headers) and delegates
// everything else to the session authenticator.
type streamAuthenticator struct {
	secret   string
	fallback auth.Authenticator
}

func (a streamAuthenticator) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return a.fallback.Authenticate(ctx, r)
	}
	claims, err := auth.VerifyRunToken(a.secret, token, time.Time{})
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{
		Subject: runTokenSubjectPrefix + claims.RunID,
		Roles:   []string{auth.RoleViewer},
	}, nil
}

// isRunTokenIdentity reports whether the identity came from a run token.
func isRunTokenIdentity(identity auth.Identity) bool {
	return strings.HasPrefix(identity.Subject, runTokenSubjectPrefix)
}

// tokenScopeAllows rejects run-token identities reaching for another run.
func tokenScopeAllows(identity auth.Identity, runID string) bool {
	if !isRunTokenIdentity(identity) {
		return true
	}
	return strings.TrimPrefix(identity.Subject, runTokenSubjectPrefix) == runID
}

type streamChunkEvent struct {
	RunID string `json:"run_id"`
	Seq   int64  `json:"seq"`
	Chunk string `json:"chunk"`
}

type streamStatusEvent struct {
	RunID        string     `json:"run_id"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (api *controlplaneAPI) handleStreamRunEvents(w http.ResponseWriter, r *http.Request) {
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

	cursor, err := streamCursor(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = writeSSE(w, "ready", "", map[string]any{
		"run_id":     runID,
		"server_ts":  time.Now().UTC().Unix(),
		"request_id": r.Header.Get("X-Request-Id"),
	})

	next := api.streamBufferedChunks(r, w, runID, cursor)

	if run.Status.Terminal() {
		_ = writeSSE(w, "status", "", streamStatusEvent{
			RunID:        runID,
			Status:       string(run.Status),
			ErrorMessage: run.ErrorMessage,
			CompletedAt:  run.CompletedAt,
		})
		return
	}

	poll := time.NewTicker(1 * time.Second)
	heartbeat := time.NewTicker(15 * time.Second)
	defer poll.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
			next = api.streamBufferedChunks(r, w, runID, next)

			run, err := api.runs.Get(r.Context(), runID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				_ = writeSSE(w, "error", "", map[string]any{"error": "internal_error"})
				return
			}
			if run.Status.Terminal() {
				// Drain whatever landed between the last poll and the
				// terminal write before closing the stream.
				api.streamBufferedChunks(r, w, runID, next)
				_ = writeSSE(w, "status", "", streamStatusEvent{
					RunID:        runID,
					Status:       string(run.Status),
					ErrorMessage: run.ErrorMessage,
					CompletedAt:  run.CompletedAt,
				})
				return
			}
		}
	}
}

// streamBufferedChunks replays the response buffer from cursor and returns
// the next cursor. Buffer unavailability is tolerated: status polling keeps
// the stream alive and chunks resume when the store recovers.
func (api *controlplaneAPI) streamBufferedChunks(r *http.Request, w http.ResponseWriter, runID string, cursor int64) int64 {
	chunks, err := api.buffers.RangeBuffer(r.Context(), coordination.BufferKey(runID), cursor, -1)
	if err != nil {
		api.logger.Warn("response buffer read failed", "run_id", runID, "error", err)
		return cursor
	}
	for i, chunk := range chunks {
		seq := cursor + int64(i)
		if err := writeSSE(w, "chunk", strconv.FormatInt(seq, 10), streamChunkEvent{
			RunID: runID,
			Seq:   seq,
			Chunk: chunk,
		}); err != nil {
			return cursor + int64(i)
		}
	}
	return cursor + int64(len(chunks))
}

// streamCursor resolves the replay position: Last-Event-ID (set by
// EventSource on reconnect) wins over an explicit ?cursor=. The cursor is
// the index of the next buffer entry to send, so replay resumes after the
// last delivered chunk.
func streamCursor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	fromHeader := raw != ""
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("cursor"))
	}
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid cursor")
	}
	if fromHeader {
		// Last-Event-ID names the last chunk received.
		return parsed + 1, nil
	}
	return parsed, nil
}
