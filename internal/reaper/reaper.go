// Package reaper fails runs abandoned in a non-terminal state: an instance
// died between claiming a run and writing a terminal status, or a dispatch
// promote never completed and left the run pending.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/animus-labs/runplane-go/internal/domain"
	"github.com/animus-labs/runplane-go/internal/repo"
)

const (
	DefaultInterval = time.Hour
	DefaultDeadline = time.Hour

	reapedErrorMessage = "timed out"
)

type Reaper struct {
	runs     repo.RunStore
	logger   *slog.Logger
	interval time.Duration
	deadline time.Duration

	now func() time.Time
}

func New(runs repo.RunStore, logger *slog.Logger, interval, deadline time.Duration) (*Reaper, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Reaper{
		runs:     runs,
		logger:   logger,
		interval: interval,
		deadline: deadline,
		now:      time.Now,
	}, nil
}

// Run sweeps on a fixed interval until ctx is done. One sweep fires
// immediately so restarts don't wait a full interval to recover.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "deadline", r.deadline)
	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fails every non-terminal run older than the deadline, whatever
// state it stalled in. Presence keys and buffers are left to their own TTLs.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.now().UTC().Add(-r.deadline)
	stale, err := r.runs.QueryUnfinished(ctx, &cutoff)
	if err != nil {
		r.logger.Error("stale run query failed", "error", err)
		return 0
	}

	reaped := 0
	for _, run := range stale {
		completedAt := r.now().UTC()
		msg := reapedErrorMessage
		// The run may advance between the query and the write; guard on the
		// full non-terminal set so a pending->running or running->processing
		// move does not dodge the reap.
		err := r.runs.UpdateStatus(ctx, run.ID,
			domain.NonTerminalStatuses, domain.StatusFailed,
			repo.UpdateFields{CompletedAt: &completedAt, ErrorMessage: &msg})
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, repo.ErrAlreadyTerminal), errors.Is(err, repo.ErrNotFound):
			// Finished or claimed between the query and the write.
		default:
			r.logger.Error("reap write failed", "run_id", run.ID, "error", err)
		}
	}

	if reaped > 0 {
		r.logger.Info("reaped stale runs", "count", reaped, "older_than", cutoff)
	}
	return reaped
}
