package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/runplane-go/internal/admission"
	"github.com/animus-labs/runplane-go/internal/artifacts"
	"github.com/animus-labs/runplane-go/internal/coordination"
	"github.com/animus-labs/runplane-go/internal/executor"
	"github.com/animus-labs/runplane-go/internal/platform/auditlog"
	"github.com/animus-labs/runplane-go/internal/platform/auth"
	"github.com/animus-labs/runplane-go/internal/platform/env"
	"github.com/animus-labs/runplane-go/internal/platform/httpserver"
	"github.com/animus-labs/runplane-go/internal/platform/natsq"
	"github.com/animus-labs/runplane-go/internal/platform/objectstore"
	"github.com/animus-labs/runplane-go/internal/platform/postgres"
	repopg "github.com/animus-labs/runplane-go/internal/repo/postgres"
	"github.com/animus-labs/runplane-go/internal/reaper"
	"github.com/animus-labs/runplane-go/internal/runmgr"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CONTROLPLANE_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("CONTROLPLANE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	runTokenSecret := strings.TrimSpace(env.String("RUNPLANE_RUN_TOKEN_SECRET", ""))
	if runTokenSecret == "" {
		logger.Error("missing run token secret", "env", "RUNPLANE_RUN_TOKEN_SECRET")
		os.Exit(2)
	}
	runTokenTTL, err := env.Duration("RUNPLANE_RUN_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		logger.Error("invalid run token ttl", "error", err)
		os.Exit(2)
	}
	singleRunPerProject, err := env.Bool("RUNPLANE_SINGLE_RUN_PER_PROJECT", false)
	if err != nil {
		logger.Error("invalid single run flag", "error", err)
		os.Exit(2)
	}
	reaperInterval, err := env.Duration("RUNPLANE_REAPER_INTERVAL", reaper.DefaultInterval)
	if err != nil {
		logger.Error("invalid reaper interval", "error", err)
		os.Exit(2)
	}
	reaperDeadline, err := env.Duration("RUNPLANE_REAPER_DEADLINE", reaper.DefaultDeadline)
	if err != nil {
		logger.Error("invalid reaper deadline", "error", err)
		os.Exit(2)
	}
	artifactsEnabled, err := env.Bool("RUNPLANE_ARTIFACTS_ENABLED", true)
	if err != nil {
		logger.Error("invalid artifacts flag", "error", err)
		os.Exit(2)
	}
	presenceTTL, err := env.Duration("RUNPLANE_PRESENCE_TTL", 24*time.Hour)
	if err != nil {
		logger.Error("invalid presence ttl", "error", err)
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

	queueCfg, err := natsq.ConfigFromEnv("runplane-controlplane")
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
	if _, err := natsq.EnsureStream(ctx, js, queueCfg); err != nil {
		logger.Error("dispatch stream init failed", "error", err)
		os.Exit(1)
	}
	dispatcher, err := executor.NewQueueDispatcher(js, queueCfg.Subject, logger)
	if err != nil {
		logger.Error("dispatcher init failed", "error", err)
		os.Exit(2)
	}

	var archive *artifacts.Archive
	var storeCfg objectstore.Config
	var storeClient *minio.Client
	if artifactsEnabled {
		storeCfg, err = objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err = objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		archive, err = artifacts.NewArchive(storeClient, storeCfg.BucketArtifacts)
		if err != nil {
			logger.Error("artifact archive init failed", "error", err)
			os.Exit(2)
		}
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var sessionAuth auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		sessionAuth, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
	case auth.ModeDisabled:
		sessionAuth = auth.DisabledAuthenticator{}
	default:
		sessionAuth = auth.NewDevAuthenticator(authCfg)
	}

	policyPath := env.String("RUNPLANE_ADMISSION_POLICY_PATH", "")
	policy, err := admission.LoadPolicy(policyPath)
	if err != nil {
		logger.Error("invalid admission policy", "error", err)
		os.Exit(2)
	}
	if strings.TrimSpace(policyPath) == "" {
		// No policy file; the env knobs set the defaults.
		runLimit, err := env.Int("RUNPLANE_RUN_LIMIT", admission.DefaultLimit)
		if err != nil || runLimit < 1 {
			logger.Error("invalid run limit", "error", err)
			os.Exit(2)
		}
		window, err := env.Duration("RUNPLANE_ADMISSION_WINDOW", admission.DefaultWindow)
		if err != nil {
			logger.Error("invalid admission window", "error", err)
			os.Exit(2)
		}
		policy.DefaultLimit = runLimit
		policy.Window = window.String()
	}
	admitter, err := admission.New(runs, policy, logger, authCfg.Mode == auth.ModeDev)
	if err != nil {
		logger.Error("admission init failed", "error", err)
		os.Exit(2)
	}

	mgr, err := runmgr.New(runs, coord, logger, presenceTTL)
	if err != nil {
		logger.Error("run manager init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("controlplane"))
	readinessChecks := []httpserver.ReadinessCheck{
		{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		},
		{
			Name: "redis",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return coord.Ping(checkCtx)
			},
		},
		{
			Name: "nats",
			Check: func(context.Context) error {
				if !nc.IsConnected() {
					return errors.New("nats not connected")
				}
				return nil
			},
		},
	}
	if storeClient != nil {
		readinessChecks = append(readinessChecks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
			},
		})
	}
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("controlplane", readinessChecks...))

	api := &controlplaneAPI{
		logger:              logger,
		db:                  db,
		runs:                runs,
		mgr:                 mgr,
		admission:           admitter,
		dispatch:            dispatcher,
		buffers:             coord,
		runTokenSecret:      runTokenSecret,
		runTokenTTL:         runTokenTTL,
		singleRunPerProject: singleRunPerProject,
	}
	if archive != nil {
		api.archive = archive
	}
	api.register(mux)

	staleReaper, err := reaper.New(runs, logger, reaperInterval, reaperDeadline)
	if err != nil {
		logger.Error("reaper init failed", "error", err)
		os.Exit(2)
	}
	go staleReaper.Run(ctx)

	handler := auth.Middleware{
		Logger: logger,
		Authenticator: streamAuthenticator{
			secret:   runTokenSecret,
			fallback: sessionAuth,
		},
		Authorize: auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "controlplane", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "controlplane",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "controlplane", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
