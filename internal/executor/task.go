// Package executor carries runs from the dispatch queue to a terminal
// status. The controlplane side submits typed tasks; the agentd side handles
// them through a pluggable harness.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Task is the dispatch payload, JSON-encoded on the wire. Attempt starts at
// 1 and is bumped by the retry endpoint, not by queue redelivery.
type Task struct {
	RunID    string         `json:"run_id"`
	ThreadID string         `json:"thread_id"`
	Attempt  int            `json:"attempt"`
	Params   map[string]any `json:"params,omitempty"`
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.RunID) == "" {
		return errors.New("task run_id is required")
	}
	if strings.TrimSpace(t.ThreadID) == "" {
		return errors.New("task thread_id is required")
	}
	if t.Attempt < 1 {
		return errors.New("task attempt must be >= 1")
	}
	return nil
}

type Dispatcher interface {
	Submit(ctx context.Context, task Task) error
}

// QueueDispatcher publishes tasks to the dispatch stream. The message id is
// derived from run and attempt so JetStream dedupes double submits.
type QueueDispatcher struct {
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

func NewQueueDispatcher(js jetstream.JetStream, subject string, logger *slog.Logger) (*QueueDispatcher, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("dispatch subject is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &QueueDispatcher{js: js, subject: subject, logger: logger}, nil
}

func (d *QueueDispatcher) Submit(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	msgID := fmt.Sprintf("%s:%d", task.RunID, task.Attempt)
	if _, err := d.js.Publish(ctx, d.subject, payload, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	d.logger.Info("task dispatched", "run_id", task.RunID, "attempt", task.Attempt)
	return nil
}

// DecodeTask parses a queue message body.
func DecodeTask(payload []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}
