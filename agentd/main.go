package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/runplane-go/internal/artifacts"
	"github.com/animus-labs/runplane-go/internal/coordination"
	"github.com/animus-labs/runplane-go/internal/executor"
	"github.com/animus-labs/runplane-go/internal/platform/env"
	"github.com/animus-labs/runplane-go/internal/platform/httpserver"
	"github.com/animus-labs/runplane-go/internal/platform/natsq"
	"github.com/animus-labs/runplane-go/internal/platform/objectstore"
	"github.com/animus-labs/runplane-go/internal/platform/postgres"
	repopg "github.com/animus-labs/runplane-go/internal/repo/postgres"
	"github.com/animus-labs/runplane-go/internal/runmgr"
)

const consumerName = "agentd-workers"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instanceID := newInstanceID()
	logger = logger.With("instance_id", instanceID)

	statusAddr := env.String("AGENTD_STATUS_ADDR", ":8085")
	maxConcurrent, err := env.Int("AGENTD_MAX_CONCURRENT", 4)
	if err != nil || maxConcurrent < 1 {
		logger.Error("invalid worker concurrency", "error", err)
		os.Exit(2)
	}
	runTimeout, err := env.Duration("RUNPLANE_RUN_TIMEOUT", 10*time.Minute)
	if err != nil {
		logger.Error("invalid run timeout", "error", err)
		os.Exit(2)
	}
	bufferTTL, err := env.Duration("RUNPLANE_BUFFER_TTL", time.Hour)
	if err != nil {
		logger.Error("invalid buffer ttl", "error", err)
		os.Exit(2)
	}
	presenceTTL, err := env.Duration("RUNPLANE_PRESENCE_TTL", 24*time.Hour)
	if err != nil {
		logger.Error("invalid presence ttl", "error", err)
		os.Exit(2)
	}
	runTokenSecret := strings.TrimSpace(env.String("RUNPLANE_RUN_TOKEN_SECRET", ""))
	if runTokenSecret == "" {
		logger.Error("missing run token secret", "env", "RUNPLANE_RUN_TOKEN_SECRET")
		os.Exit(2)
	}
	harnessBin := strings.TrimSpace(env.String("RUNPLANE_HARNESS_BIN", ""))
	if harnessBin == "" {
		logger.Error("missing harness binary", "env", "RUNPLANE_HARNESS_BIN")
		os.Exit(2)
	}
	artifactsEnabled, err := env.Bool("RUNPLANE_ARTIFACTS_ENABLED", true)
	if err != nil {
		logger.Error("invalid artifacts flag", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	runs := repopg.NewRunStore(db)

	coordCfg, err := coordination.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid coordination config", "error", err)
		os.Exit(2)
	}
	coord, err := coordination.NewClient(coordCfg, logger)
	if err != nil {
		logger.Error("invalid coordination client", "error", err)
		os.Exit(2)
	}
	if err := coord.Initialize(ctx); err != nil {
		logger.Error("coordination store unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = coord.Close() }()

	queueCfg, err := natsq.ConfigFromEnv("runplane-agentd-" + instanceID)
	if err != nil {
		logger.Error("invalid queue config", "error", err)
		os.Exit(2)
	}
	nc, js, err := natsq.Connect(queueCfg, logger)
	if err != nil {
		logger.Error("queue unavailable", "error", err)
		os.Exit(1)
	}
	defer natsq.Drain(nc, 5*time.Second, logger)
	stream, err := natsq.EnsureStream(ctx, js, queueCfg)
	if err != nil {
		logger.Error("dispatch stream init failed", "error", err)
		os.Exit(1)
	}

	var sink executor.TranscriptSink
	if artifactsEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		archive, err := artifacts.NewArchive(storeClient, storeCfg.BucketArtifacts)
		if err != nil {
			logger.Error("artifact archive init failed", "error", err)
			os.Exit(2)
		}
		sink = archive
	}

	mgr, err := runmgr.New(runs, coord, logger, presenceTTL)
	if err != nil {
		logger.Error("run manager init failed", "error", err)
		os.Exit(2)
	}

	harness, err := executor.NewSubprocessHarness(harnessBin)
	if err != nil {
		logger.Error("harness unavailable", "error", err)
		os.Exit(2)
	}

	worker, err := executor.NewWorker(runs, executor.ClientCoordinator{Client: coord}, mgr, harness, sink, logger, executor.WorkerConfig{
		InstanceID:  instanceID,
		TokenSecret: runTokenSecret,
		RunTimeout:  runTimeout,
		BufferTTL:   bufferTTL,
	})
	if err != nil {
		logger.Error("worker init failed", "error", err)
		os.Exit(2)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: queueCfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       queueCfg.AckWait,
		MaxDeliver:    queueCfg.MaxDeliver,
	})
	if err != nil {
		logger.Error("consumer init failed", "error", err)
		os.Exit(1)
	}

	// Slots bound concurrent harness processes on this instance; the pull
	// limit keeps deliveries from piling up past what the slots can hold.
	slots := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			handleDelivery(ctx, worker, msg, logger)
		}()
	}, jetstream.PullMaxMessages(maxConcurrent))
	if err != nil {
		logger.Error("consume start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agentd started",
		"stream", queueCfg.Stream, "subject", queueCfg.Subject, "max_concurrent", maxConcurrent)

	go runStatusServer(ctx, logger, statusAddr, db, coord, nc)

	<-ctx.Done()
	logger.Info("shutting down, draining in-flight runs")

	// Stop accepting deliveries, let running harnesses reach a terminal
	// write, then retire this instance's presence keys so the control plane
	// stops routing to it.
	consumeCtx.Stop()
	wg.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := mgr.CleanupInstanceRuns(cleanupCtx, instanceID); n > 0 {
		logger.Info("cleaned up instance runs", "count", n)
	}
}

// handleDelivery runs one task to completion. A nack only happens before the
// worker claims the run; after that every outcome is recorded terminally and
// the delivery is acked.
func handleDelivery(ctx context.Context, worker *executor.Worker, msg jetstream.Msg, logger *slog.Logger) {
	task, err := executor.DecodeTask(msg.Data())
	if err != nil {
		logger.Error("dropping undecodable task", "error", err)
		if err := msg.Ack(); err != nil {
			logger.Warn("ack failed", "error", err)
		}
		return
	}
	if err := worker.Handle(ctx, task); err != nil {
		logger.Warn("task redelivery requested", "run_id", task.RunID, "error", err)
		if err := msg.Nak(); err != nil {
			logger.Warn("nack failed", "run_id", task.RunID, "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		logger.Warn("ack failed", "run_id", task.RunID, "error", err)
	}
}

func runStatusServer(ctx context.Context, logger *slog.Logger, addr string, db *sql.DB, coord *coordination.Client, nc *nats.Conn) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("agentd"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("agentd",
		httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		},
		httpserver.ReadinessCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return coord.Ping(checkCtx)
			},
		},
		httpserver.ReadinessCheck{
			Name: "nats",
			Check: func(context.Context) error {
				if !nc.IsConnected() {
					return errors.New("nats not connected")
				}
				return nil
			},
		},
	))

	cfg := httpserver.Config{
		Service:         "agentd",
		Addr:            addr,
		ShutdownTimeout: 5 * time.Second,
	}
	if err := httpserver.Run(ctx, logger, cfg, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("status server failed", "error", err)
	}
}

// newInstanceID derives a stable-ish identity for presence keys: readable
// hostname plus a short random suffix so restarts never collide.
func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agentd"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
