package domain

import (
	"errors"
	"strings"
	"time"
)

// MaxErrorMessageLen caps the stored error message for a failed run.
const MaxErrorMessageLen = 1000

// Run represents one execution attempt of an asynchronous agent task.
type Run struct {
	ID             string
	ThreadID       string
	AgentID        string
	AgentVersionID string
	Status         Status
	InstanceID     string
	StartedAt      time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.ThreadID) == "" {
		return errors.New("thread id is required")
	}
	if NormalizeStatus(string(r.Status)) == "" {
		return errors.New("status is unknown")
	}
	if r.Status.Terminal() && r.CompletedAt == nil {
		return errors.New("terminal run requires completed_at")
	}
	if !r.Status.Terminal() && r.CompletedAt != nil {
		return errors.New("completed_at set on non-terminal run")
	}
	return nil
}

// RetryOf returns the id of the run this one supersedes, if any.
func (r Run) RetryOf() string {
	if r.Metadata == nil {
		return ""
	}
	if v, ok := r.Metadata[MetadataRetryOf].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// TruncateErrorMessage bounds an error message for storage.
func TruncateErrorMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	return msg[:MaxErrorMessageLen]
}
