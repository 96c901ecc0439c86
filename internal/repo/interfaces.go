package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/runplane-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal rejects writes against a finished run. Terminal
	// records are immutable; a retry supersedes them with a new run.
	ErrAlreadyTerminal = errors.New("run already terminal")
	ErrThreadNotFound  = errors.New("thread not found")
)

type RunFilter struct {
	ProjectID string
	ThreadID  string
	Status    domain.Status
	Limit     int
	Offset    int
}

// UpdateFields carries the optional columns a status transition may set.
type UpdateFields struct {
	CompletedAt  *time.Time
	ErrorMessage *string
	InstanceID   *string
	Metadata     domain.Metadata
}

// RunStore is the authoritative record of run state. UpdateStatus is the
// serialization point between a forced stop and the executor's own terminal
// write: the guarded UPDATE only succeeds from one of the expected source
// states, so the loser of the race sees ErrAlreadyTerminal.
type RunStore interface {
	Create(ctx context.Context, run domain.Run) error
	Get(ctx context.Context, id string) (domain.Run, error)
	List(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	// QueryUnfinished returns every non-terminal run (pending, running or
	// processing), optionally only those started before olderThan. A claimed
	// run sits in processing and a failed promote strands one in pending, so
	// recovery sweeps must look at all three.
	QueryUnfinished(ctx context.Context, olderThan *time.Time) ([]domain.Run, error)
	// QueryInFlightForPrincipal counts the principal's executing runs
	// (running or processing) started inside the window.
	QueryInFlightForPrincipal(ctx context.Context, principalID string, since time.Time) (int, error)
	FindActiveRunForProject(ctx context.Context, projectID string) (string, error)
	UpdateStatus(ctx context.Context, id string, from []domain.Status, to domain.Status, fields UpdateFields) error
}
