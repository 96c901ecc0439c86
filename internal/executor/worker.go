package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/animus-labs/runplane-go/internal/coordination"
	"github.com/animus-labs/runplane-go/internal/domain"
	"github.com/animus-labs/runplane-go/internal/platform/auth"
	"github.com/animus-labs/runplane-go/internal/repo"
)

// Subscription is a live control-topic stream.
type Subscription interface {
	Messages() <-chan coordination.Message
	Close() error
}

// Coordinator is the slice of the coordination client the worker needs.
type Coordinator interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	PushBuffer(ctx context.Context, key, chunk string, ttl time.Duration) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// PresenceRegistry maintains this instance's presence keys.
type PresenceRegistry interface {
	RegisterActiveRun(ctx context.Context, instanceID, runID string, status domain.Status)
	ReleaseActiveRun(ctx context.Context, instanceID, runID string)
}

// TranscriptSink persists the harness event log at terminal transition.
type TranscriptSink interface {
	PutTranscript(ctx context.Context, runID string, transcript []byte) error
}

type WorkerConfig struct {
	InstanceID string
	// TokenSecret signs the run token handed to the harness.
	TokenSecret string
	RunTimeout  time.Duration
	BufferTTL   time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = time.Hour
	}
	return c
}

// Worker executes dispatched tasks. Handle returns a non-nil error only
// when the task should be redelivered; anything after the claim write is
// recorded terminally instead.
type Worker struct {
	runs       repo.RunStore
	coord      Coordinator
	presence   PresenceRegistry
	harness    Harness
	transcript TranscriptSink
	logger     *slog.Logger
	cfg        WorkerConfig
}

func NewWorker(runs repo.RunStore, coord Coordinator, presence PresenceRegistry, harness Harness, transcript TranscriptSink, logger *slog.Logger, cfg WorkerConfig) (*Worker, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if presence == nil {
		return nil, errors.New("presence registry is required")
	}
	if harness == nil {
		return nil, errors.New("harness is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("token secret is required")
	}
	return &Worker{
		runs:       runs,
		coord:      coord,
		presence:   presence,
		harness:    harness,
		transcript: transcript,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}, nil
}

// Handle processes one delivery of a task.
func (w *Worker) Handle(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		// Malformed payloads can never succeed; ack and drop.
		w.logger.Error("dropping malformed task", "error", err)
		return nil
	}
	logger := w.logger.With("run_id", task.RunID, "attempt", task.Attempt)

	run, err := w.runs.Get(ctx, task.RunID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("task for unknown run, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status != domain.StatusRunning {
		// Stale or duplicate delivery; the run moved on without us.
		logger.Info("skipping task, run not in running state", "status", run.Status)
		return nil
	}

	err = w.runs.UpdateStatus(ctx, task.RunID,
		[]domain.Status{domain.StatusRunning}, domain.StatusProcessing,
		repo.UpdateFields{InstanceID: &w.cfg.InstanceID})
	if errors.Is(err, repo.ErrAlreadyTerminal) {
		logger.Info("skipping task, run already terminal")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}

	// Claimed. From here every outcome is a terminal write, never a nack.
	w.execute(ctx, task, run, logger)
	return nil
}

func (w *Worker) execute(ctx context.Context, task Task, run domain.Run, logger *slog.Logger) {
	runID := task.RunID
	// The delivery context dies with the consume loop on instance shutdown.
	// A claimed run keeps executing through that: everything after the claim
	// runs off the detached context, bounded by the run budget and forced
	// stops instead, and terminal writes always land.
	base := context.WithoutCancel(ctx)

	var sub Subscription
	defer func() {
		if r := recover(); r != nil {
			w.finish(base, run, domain.StatusFailed,
				domain.TruncateErrorMessage(fmt.Sprintf("executor panic: %v", r)), nil, nil, logger)
		}
		if sub != nil {
			_ = sub.Close()
		}
		w.presence.ReleaseActiveRun(base, w.cfg.InstanceID, runID)
	}()

	w.presence.RegisterActiveRun(base, w.cfg.InstanceID, runID, domain.StatusProcessing)
	if _, err := w.coord.Incr(base, coordination.AttemptsKey(runID)); err != nil {
		logger.Warn("attempts counter update failed", "error", err)
	} else if _, err := w.coord.Expire(base, coordination.AttemptsKey(runID), 24*time.Hour); err != nil {
		logger.Warn("attempts counter expire failed", "error", err)
	}

	runCtx, cancel := context.WithTimeout(base, w.cfg.RunTimeout)
	defer cancel()

	var stopRequested atomic.Bool
	sub, err := w.coord.Subscribe(base,
		coordination.ControlTopic(runID),
		coordination.InstanceControlTopic(runID, w.cfg.InstanceID))
	if err != nil {
		// Without the subscription a forced stop still lands through the
		// guarded database write; only mid-run cancellation is lost.
		logger.Warn("control topic subscribe failed", "error", err)
		sub = nil
	} else {
		go func() {
			for msg := range sub.Messages() {
				if msg.Payload == coordination.StopMessage {
					stopRequested.Store(true)
					cancel()
					return
				}
			}
		}()
	}

	token, err := w.issueRunToken(runID, task.ThreadID)
	if err != nil {
		w.finish(base, run, domain.StatusFailed,
			domain.TruncateErrorMessage(fmt.Sprintf("issue run token: %v", err)), nil, nil, logger)
		return
	}

	var transcript bytes.Buffer
	chunks := 0
	events := func(event HarnessEvent) {
		transcript.WriteString(event.Raw)
		transcript.WriteByte('\n')
		chunks++
		if err := w.coord.PushBuffer(base, coordination.BufferKey(runID), event.Raw, w.cfg.BufferTTL); err != nil {
			logger.Warn("response buffer push failed", "error", err)
		}
	}

	result, harnessErr := w.runHarness(runCtx, HarnessJob{
		RunID:    runID,
		ThreadID: task.ThreadID,
		Token:    token,
		Params:   task.Params,
	}, events)

	switch {
	case harnessErr == nil:
		meta := run.Metadata.Clone()
		if result.Output != nil {
			meta["output"] = result.Output
		}
		meta["chunks"] = chunks
		w.finish(base, run, domain.StatusCompleted, "", meta, transcript.Bytes(), logger)
	case stopRequested.Load():
		w.finish(base, run, domain.StatusCancelled, "", nil, transcript.Bytes(), logger)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("timed out after %s", w.cfg.RunTimeout)
		w.finish(base, run, domain.StatusFailed, msg, nil, transcript.Bytes(), logger)
	default:
		w.finish(base, run, domain.StatusFailed,
			domain.TruncateErrorMessage(harnessErr.Error()), nil, transcript.Bytes(), logger)
	}
}

// runHarness isolates harness panics so they surface as run failures, not
// instance crashes.
func (w *Worker) runHarness(ctx context.Context, job HarnessJob, events func(HarnessEvent)) (result HarnessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("harness panic: %v", r)
		}
	}()
	return w.harness.Run(ctx, job, events)
}

func (w *Worker) finish(ctx context.Context, run domain.Run, status domain.Status, errMsg string, meta domain.Metadata, transcript []byte, logger *slog.Logger) {
	now := time.Now().UTC()
	fields := repo.UpdateFields{CompletedAt: &now, Metadata: meta}
	if errMsg != "" {
		fields.ErrorMessage = &errMsg
	}
	err := w.runs.UpdateStatus(ctx, run.ID,
		[]domain.Status{domain.StatusProcessing}, status, fields)
	switch {
	case errors.Is(err, repo.ErrAlreadyTerminal):
		// Lost the race to a forced stop. The other writer's terminal
		// state stands.
		logger.Info("terminal write superseded", "attempted_status", status)
	case err != nil:
		logger.Error("terminal write failed", "status", status, "error", err)
	default:
		logger.Info("run finished", "status", status)
	}

	if w.transcript != nil && len(transcript) > 0 {
		if err := w.transcript.PutTranscript(ctx, run.ID, transcript); err != nil {
			logger.Warn("transcript upload failed", "error", err)
		}
	}
}

func (w *Worker) issueRunToken(runID, threadID string) (string, error) {
	now := time.Now().UTC()
	return auth.GenerateRunToken(w.cfg.TokenSecret, auth.RunTokenClaims{
		RunID:         runID,
		ThreadID:      threadID,
		ExpiresAtUnix: now.Add(w.cfg.RunTimeout + time.Hour).Unix(),
	}, now)
}

// ClientCoordinator adapts the concrete coordination client to the worker's
// interface (the client's Subscribe returns a concrete type).
type ClientCoordinator struct {
	*coordination.Client
}

func (c ClientCoordinator) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	return c.Client.Subscribe(ctx, topics...)
}
