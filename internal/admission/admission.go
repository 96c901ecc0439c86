// Package admission rate-limits run starts per principal over a trailing
// window. The controller is deliberately fail-open: an unavailable record
// store must never block run creation, it only disables the limit until the
// store recovers.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/animus-labs/runplane-go/internal/repo"
)

// Decision is the outcome of an admission check.
type Decision struct {
	CanStart bool
	Running  int
	Limit    int
}

type Controller struct {
	runs   repo.RunStore
	policy Policy
	logger *slog.Logger
	bypass bool

	// now is swappable for tests.
	now func() time.Time
}

// New builds a controller. bypass disables enforcement wholesale (dev auth
// mode); trusted principals from the policy are bypassed per-check.
func New(runs repo.RunStore, policy Policy, logger *slog.Logger, bypass bool) (*Controller, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		runs:   runs,
		policy: policy,
		logger: logger,
		bypass: bypass,
		now:    time.Now,
	}, nil
}

// Check counts the principal's in-flight runs (dispatched or claimed)
// inside the trailing window and compares against the resolved limit.
// Repo errors fail open.
func (c *Controller) Check(ctx context.Context, principalID string) Decision {
	limit := c.policy.LimitFor(principalID)
	if c.bypass || c.policy.Trusted(principalID) {
		return Decision{CanStart: true, Limit: limit}
	}

	since := c.now().UTC().Add(-c.policy.WindowDuration())
	running, err := c.runs.QueryInFlightForPrincipal(ctx, principalID, since)
	if err != nil {
		c.logger.Error("admission count failed, failing open",
			"principal_id", principalID, "error", err)
		return Decision{CanStart: true, Running: 0, Limit: limit}
	}
	return Decision{CanStart: running < limit, Running: running, Limit: limit}
}
