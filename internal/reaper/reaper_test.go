package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/animus-labs/runplane-go/internal/domain"
	"github.com/animus-labs/runplane-go/internal/repo"
)

type fakeRunStore struct {
	runs     map[string]domain.Run
	queryErr error
	lastCut  *time.Time
	// stubStale overrides QueryUnfinished results to model a run finishing
	// between the query and the guarded write.
	stubStale []domain.Run
}

func newFakeRunStore(runs ...domain.Run) *fakeRunStore {
	s := &fakeRunStore{runs: map[string]domain.Run{}}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return s
}

func (s *fakeRunStore) Create(_ context.Context, run domain.Run) error {
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
	return nil, nil
}

func (s *fakeRunStore) QueryUnfinished(_ context.Context, olderThan *time.Time) ([]domain.Run, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	s.lastCut = olderThan
	if s.stubStale != nil {
		return s.stubStale, nil
	}
	var out []domain.Run
	for _, run := range s.runs {
		if run.Status.Terminal() {
			continue
		}
		if olderThan != nil && !run.StartedAt.Before(*olderThan) {
			continue
		}
		out = append(out, run)
	}
	return out, nil
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

func newTestReaper(t *testing.T, store *fakeRunStore) *Reaper {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(store, logger, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return r
}

func TestSweepFailsStaleRuns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeRunStore(
		domain.Run{ID: "stale", Status: domain.StatusRunning, StartedAt: now.Add(-2 * time.Hour)},
		domain.Run{ID: "fresh", Status: domain.StatusRunning, StartedAt: now.Add(-10 * time.Minute)},
		domain.Run{ID: "done", Status: domain.StatusCompleted, StartedAt: now.Add(-3 * time.Hour)},
	)
	r := newTestReaper(t, store)
	r.now = func() time.Time { return now }

	if got := r.Sweep(t.Context()); got != 1 {
		t.Fatalf("reaped=%d, want 1", got)
	}
	stale := store.runs["stale"]
	if stale.Status != domain.StatusFailed {
		t.Fatalf("stale status=%s, want failed", stale.Status)
	}
	if stale.ErrorMessage != "timed out" {
		t.Fatalf("error_message=%q", stale.ErrorMessage)
	}
	if stale.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if store.runs["fresh"].Status != domain.StatusRunning {
		t.Fatalf("fresh run reaped")
	}
	if want := now.Add(-time.Hour); store.lastCut == nil || !store.lastCut.Equal(want) {
		t.Fatalf("cutoff=%v, want %v", store.lastCut, want)
	}
}

func TestSweepFailsClaimedAndStrandedRuns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeRunStore(
		// Claimed by an instance that died: parked in processing for hours.
		domain.Run{ID: "claimed", Status: domain.StatusProcessing, StartedAt: now.Add(-3 * time.Hour)},
		// Created but never promoted: stranded in pending.
		domain.Run{ID: "stranded", Status: domain.StatusPending, StartedAt: now.Add(-2 * time.Hour)},
		domain.Run{ID: "busy", Status: domain.StatusProcessing, StartedAt: now.Add(-10 * time.Minute)},
	)
	r := newTestReaper(t, store)
	r.now = func() time.Time { return now }

	if got := r.Sweep(t.Context()); got != 2 {
		t.Fatalf("reaped=%d, want 2", got)
	}
	for _, id := range []string{"claimed", "stranded"} {
		run := store.runs[id]
		if run.Status != domain.StatusFailed {
			t.Fatalf("%s status=%s, want failed", id, run.Status)
		}
		if run.ErrorMessage != "timed out" {
			t.Fatalf("%s error_message=%q", id, run.ErrorMessage)
		}
		if run.CompletedAt == nil {
			t.Fatalf("%s completed_at not set", id)
		}
	}
	if store.runs["busy"].Status != domain.StatusProcessing {
		t.Fatalf("fresh processing run reaped")
	}
}

func TestSweepSurvivesQueryFailure(t *testing.T) {
	store := newFakeRunStore()
	store.queryErr = errors.New("connection refused")
	r := newTestReaper(t, store)

	if got := r.Sweep(t.Context()); got != 0 {
		t.Fatalf("reaped=%d, want 0", got)
	}
}

func TestSweepToleratesLostRace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := now
	// The query sees the run as stale, but it finished before the write.
	store := newFakeRunStore(domain.Run{
		ID: "raced", Status: domain.StatusCompleted,
		StartedAt: now.Add(-2 * time.Hour), CompletedAt: &completed,
	})
	store.stubStale = []domain.Run{{ID: "raced", Status: domain.StatusRunning, StartedAt: now.Add(-2 * time.Hour)}}
	r := newTestReaper(t, store)
	r.now = func() time.Time { return now }

	if got := r.Sweep(t.Context()); got != 0 {
		t.Fatalf("reaped=%d, want 0 after losing the race", got)
	}
	if store.runs["raced"].Status != domain.StatusCompleted {
		t.Fatalf("terminal run overwritten")
	}
}
