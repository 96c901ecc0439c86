package natsq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/runplane-go/internal/platform/env"
)

type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration

	Stream     string
	Subject    string
	MaxDeliver int
	AckWait    time.Duration
}

func ConfigFromEnv(clientName string) (Config, error) {
	reconnectWait, err := env.Duration("NATS_RECONNECT_WAIT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxDeliver, err := env.Int("RUNPLANE_MAX_DELIVER", 4)
	if err != nil {
		return Config{}, err
	}
	ackWait, err := env.Duration("RUNPLANE_ACK_WAIT", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:           env.String("NATS_URL", nats.DefaultURL),
		Name:          clientName,
		ReconnectWait: reconnectWait,
		Stream:        env.String("RUNPLANE_DISPATCH_STREAM", "AGENT_RUNS"),
		Subject:       env.String("RUNPLANE_DISPATCH_SUBJECT", "agent.runs.dispatch"),
		MaxDeliver:    maxDeliver,
		AckWait:       ackWait,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("NATS_URL is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("client name is required")
	}
	if c.ReconnectWait <= 0 {
		return errors.New("NATS_RECONNECT_WAIT must be positive")
	}
	if strings.TrimSpace(c.Stream) == "" {
		return errors.New("RUNPLANE_DISPATCH_STREAM is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("RUNPLANE_DISPATCH_SUBJECT is required")
	}
	if c.MaxDeliver < 1 {
		return errors.New("RUNPLANE_MAX_DELIVER must be >= 1")
	}
	if c.AckWait <= 0 {
		return errors.New("RUNPLANE_ACK_WAIT must be positive")
	}
	return nil
}

func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the dispatch stream if missing. Work-queue retention
// gives single delivery per message across competing consumers.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

// Drain flushes buffered messages and closes the connection, bounded by
// the given timeout. The connection is force-closed when draining stalls.
func Drain(nc *nats.Conn, timeout time.Duration, logger *slog.Logger) {
	if nc == nil || nc.IsClosed() {
		return
	}
	done := make(chan error, 1)
	go func() { done <- nc.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("nats drain failed", "error", err)
		}
	case <-time.After(timeout):
		logger.Warn("nats drain timed out, closing connection")
		nc.Close()
	}
}
