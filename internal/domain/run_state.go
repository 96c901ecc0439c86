package domain

import "strings"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// NonTerminalStatuses are every state a live run moves through. Guarded
// store writes that must land regardless of progress (forced stops, the
// reaper) transition from this full set.
var NonTerminalStatuses = []Status{StatusPending, StatusRunning, StatusProcessing}

// InFlightStatuses are the states of a run that is actually executing:
// dispatched and waiting for a claim, or claimed by an instance. Control
// logic that asks "is something running right now" must match both, since
// a claim moves the run to processing immediately.
var InFlightStatuses = []Status{StatusRunning, StatusProcessing}

// NormalizeStatus maps free-form status values to canonical statuses.
func NormalizeStatus(value string) Status {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StatusPending):
		return StatusPending
	case string(StatusRunning):
		return StatusRunning
	case string(StatusProcessing):
		return StatusProcessing
	case string(StatusCompleted):
		return StatusCompleted
	case string(StatusFailed):
		return StatusFailed
	case string(StatusCancelled):
		return StatusCancelled
	default:
		return ""
	}
}

// Terminal reports whether the status is final. Terminal runs are never
// mutated again; a retry supersedes them with a new run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether a run in this status is actively executing.
func (s Status) InFlight() bool {
	return s == StatusRunning || s == StatusProcessing
}

// Retryable reports whether a run in this status may be superseded by a
// retry. Completed runs are not retryable.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a run may move from current to next.
// Terminal states have no outgoing transitions.
func CanTransition(current, next Status) bool {
	for _, allowed := range statusTransitions[current] {
		if next == allowed {
			return true
		}
	}
	return false
}
