package runmgr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/animus-labs/runplane-go/internal/coordination"
	"github.com/animus-labs/runplane-go/internal/domain"
	"github.com/animus-labs/runplane-go/internal/repo"
)

// Coordinator is the slice of the coordination client the manager needs.
type Coordinator interface {
	Publish(ctx context.Context, topic, message string) (int64, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error)
}

// Manager owns the stop and shutdown protocols. The database write is the
// authoritative action; everything against the coordination store afterwards
// is advisory cleanup that orphaned TTLs eventually cover anyway.
type Manager struct {
	runs        repo.RunStore
	coord       Coordinator
	logger      *slog.Logger
	presenceTTL time.Duration
}

func New(runs repo.RunStore, coord Coordinator, logger *slog.Logger, presenceTTL time.Duration) (*Manager, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if presenceTTL <= 0 {
		presenceTTL = 24 * time.Hour
	}
	return &Manager{runs: runs, coord: coord, logger: logger, presenceTTL: presenceTTL}, nil
}

// StopRun durably terminates a run, then broadcasts STOP and sweeps the
// run's presence keys. Only the durable write can fail the call: a stopped
// run with orphaned keys is safe, the reverse is not.
func (m *Manager) StopRun(ctx context.Context, runID, reason string) error {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return repo.ErrAlreadyTerminal
	}

	target := domain.StatusCancelled
	now := time.Now().UTC()
	fields := repo.UpdateFields{CompletedAt: &now}
	if reason != "" {
		target = domain.StatusFailed
		fields.ErrorMessage = &reason
	}
	if err := m.runs.UpdateStatus(ctx, runID, domain.NonTerminalStatuses, target, fields); err != nil {
		return err
	}

	if _, err := m.coord.Publish(ctx, coordination.ControlTopic(runID), coordination.StopMessage); err != nil {
		m.logger.Warn("stop broadcast failed", "run_id", runID, "error", err)
	}

	keys, err := m.coord.Scan(ctx, coordination.PresencePattern(runID))
	if err != nil {
		m.logger.Warn("presence scan failed", "run_id", runID, "error", err)
		keys = nil
	}
	for _, key := range keys {
		instanceID, _, ok := coordination.ParsePresenceKey(key)
		if !ok {
			m.logger.Warn("malformed presence key", "key", key)
			continue
		}
		if _, err := m.coord.Publish(ctx, coordination.InstanceControlTopic(runID, instanceID), coordination.StopMessage); err != nil {
			m.logger.Warn("instance stop publish failed", "run_id", runID, "instance_id", instanceID, "error", err)
		}
		if _, err := m.coord.Delete(ctx, key); err != nil {
			m.logger.Warn("presence key delete failed", "key", key, "error", err)
		}
	}

	if _, err := m.coord.Delete(ctx, coordination.BufferKey(runID)); err != nil {
		m.logger.Warn("response buffer delete failed", "run_id", runID, "error", err)
	}

	m.logger.Info("run stopped", "run_id", runID, "status", target, "reason", reason)
	return nil
}

// CleanupInstanceRuns stops every run this instance still holds a presence
// key for. Called on drain so no run is abandoned as running forever.
// Returns the number of runs durably stopped.
func (m *Manager) CleanupInstanceRuns(ctx context.Context, instanceID string) int {
	keys, err := m.coord.Scan(ctx, coordination.InstancePattern(instanceID))
	if err != nil {
		m.logger.Warn("instance presence scan failed", "instance_id", instanceID, "error", err)
		return 0
	}

	stopped := 0
	for _, key := range keys {
		_, runID, ok := coordination.ParsePresenceKey(key)
		if !ok {
			m.logger.Warn("malformed presence key", "key", key)
			continue
		}
		err := m.StopRun(ctx, runID, "instance shutting down")
		switch {
		case err == nil:
			stopped++
		case errors.Is(err, repo.ErrAlreadyTerminal), errors.Is(err, repo.ErrNotFound):
			// Someone else finished it first; still drop our key below.
		default:
			m.logger.Warn("instance cleanup stop failed", "run_id", runID, "error", err)
			continue
		}
		if _, err := m.coord.Delete(ctx, key); err != nil {
			m.logger.Warn("presence key delete failed", "key", key, "error", err)
		}
	}

	if stopped > 0 {
		m.logger.Info("instance runs cleaned up", "instance_id", instanceID, "stopped", stopped)
	}
	return stopped
}

// FindActiveRunForProject is a read-only existence check. Zero threads or
// zero running runs is ("", nil), not an error.
func (m *Manager) FindActiveRunForProject(ctx context.Context, projectID string) (string, error) {
	return m.runs.FindActiveRunForProject(ctx, projectID)
}

// RegisterActiveRun writes this instance's presence key. Presence is
// advisory, so store failures are logged and swallowed.
func (m *Manager) RegisterActiveRun(ctx context.Context, instanceID, runID string, status domain.Status) {
	key := coordination.PresenceKey(instanceID, runID)
	if _, err := m.coord.Set(ctx, key, string(status), m.presenceTTL, false); err != nil {
		m.logger.Warn("presence key write failed", "key", key, "error", err)
	}
}

// ReleaseActiveRun drops this instance's presence key for a run.
func (m *Manager) ReleaseActiveRun(ctx context.Context, instanceID, runID string) {
	key := coordination.PresenceKey(instanceID, runID)
	if _, err := m.coord.Delete(ctx, key); err != nil {
		m.logger.Warn("presence key delete failed", "key", key, "error", err)
	}
}
