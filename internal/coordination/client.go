package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/animus-labs/runplane-go/internal/platform/env"
)

// ErrStoreUnavailable wraps every transport failure against the shared
// store. Callers choose per operation whether it is fatal: cleanup and
// admission paths swallow it, durable-write paths surface it.
var ErrStoreUnavailable = errors.New("coordination store unavailable")

type Config struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := env.Duration("REDIS_DIAL_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	readTimeout, err := env.Duration("REDIS_READ_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	poolSize, err := env.Int("REDIS_POOL_SIZE", 10)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := env.Duration("REDIS_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:        env.String("REDIS_ADDR", "localhost:6379"),
		Username:    strings.TrimSpace(env.String("REDIS_USERNAME", "")),
		Password:    env.String("REDIS_PASSWORD", ""),
		DB:          db,
		DialTimeout: dialTimeout,
		ReadTimeout: readTimeout,
		PoolSize:    poolSize,
		PingTimeout: pingTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.DB < 0 {
		return errors.New("REDIS_DB must be >= 0")
	}
	if c.DialTimeout <= 0 {
		return errors.New("REDIS_DIAL_TIMEOUT must be positive")
	}
	if c.ReadTimeout <= 0 {
		return errors.New("REDIS_READ_TIMEOUT must be positive")
	}
	if c.PoolSize < 1 {
		return errors.New("REDIS_POOL_SIZE must be >= 1")
	}
	if c.PingTimeout <= 0 {
		return errors.New("REDIS_PING_TIMEOUT must be positive")
	}
	return nil
}

// Client is the process-wide handle on the shared coordination store.
// It is constructed explicitly and injected; Initialize is single-flight,
// so concurrent callers share one connection pool build.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	rdb *redis.Client
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Initialize builds the pooled connection and probes liveness. Idempotent:
// a second call returns immediately once the pool exists. A failed probe
// leaves the client uninitialized so the next call retries from scratch.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.cfg.Addr,
		Username:    c.cfg.Username,
		Password:    c.cfg.Password,
		DB:          c.cfg.DB,
		DialTimeout: c.cfg.DialTimeout,
		ReadTimeout: c.cfg.ReadTimeout,
		PoolSize:    c.cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return wrapStoreErr("initialize", err)
	}

	c.rdb = rdb
	c.logger.Info("coordination store ready", "addr", c.cfg.Addr, "pool_size", c.cfg.PoolSize)
	return nil
}

func (c *Client) conn() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil, wrapStoreErr("conn", errors.New("not initialized"))
	}
	return c.rdb, nil
}

// Ping probes the store for readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return wrapStoreErr("ping", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	rdb, err := c.conn()
	if err != nil {
		return "", false, err
	}
	value, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreErr("get", err)
	}
	return value, true, nil
}

// Set writes a key with optional TTL. With onlyIfAbsent it reports whether
// the key was actually written.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error) {
	rdb, err := c.conn()
	if err != nil {
		return false, err
	}
	if onlyIfAbsent {
		ok, err := rdb.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return false, wrapStoreErr("setnx", err)
		}
		return ok, nil
	}
	if err := rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, wrapStoreErr("set", err)
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	rdb, err := c.conn()
	if err != nil {
		return 0, err
	}
	count, err := rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, wrapStoreErr("del", err)
	}
	return count, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	rdb, err := c.conn()
	if err != nil {
		return false, err
	}
	count, err := rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapStoreErr("exists", err)
	}
	return count > 0, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	rdb, err := c.conn()
	if err != nil {
		return false, err
	}
	ok, err := rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, wrapStoreErr("expire", err)
	}
	return ok, nil
}

// Scan walks the keyspace for keys matching pattern. O(keyspace) even with
// cursors; reserved for the stop and shutdown paths, never per-request.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}

	var keys []string
	var cursor uint64
	for {
		batch, next, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrapStoreErr("scan", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	rdb, err := c.conn()
	if err != nil {
		return 0, err
	}
	value, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapStoreErr("incr", err)
	}
	return value, nil
}

func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	rdb, err := c.conn()
	if err != nil {
		return 0, err
	}
	value, err := rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, wrapStoreErr("decr", err)
	}
	return value, nil
}

// PushBuffer appends a chunk to the run's response buffer and slides its TTL.
func (c *Client) PushBuffer(ctx context.Context, key, chunk string, ttl time.Duration) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}
	if err := rdb.RPush(ctx, key, chunk).Err(); err != nil {
		return wrapStoreErr("rpush", err)
	}
	if ttl > 0 {
		if err := rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return wrapStoreErr("expire", err)
		}
	}
	return nil
}

func (c *Client) RangeBuffer(ctx context.Context, key string, start, stop int64) ([]string, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}
	items, err := rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapStoreErr("lrange", err)
	}
	return items, nil
}

// Publish is fire-and-forget: the returned count covers only listeners
// subscribed at this instant, and nothing is retained for late joiners.
func (c *Client) Publish(ctx context.Context, topic, message string) (int64, error) {
	rdb, err := c.conn()
	if err != nil {
		return 0, err
	}
	count, err := rdb.Publish(ctx, topic, message).Result()
	if err != nil {
		return 0, wrapStoreErr("publish", err)
	}
	return count, nil
}

type Message struct {
	Topic   string
	Payload string
}

// Subscription is a non-terminating message stream. The caller owns its
// lifetime and must Close it to release the underlying connection.
type Subscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

func (s *Subscription) Close() error {
	return s.ps.Close()
}

func (c *Client) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	ps := rdb.Subscribe(ctx, topics...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapStoreErr("subscribe", err)
	}

	sub := &Subscription{ps: ps, ch: make(chan Message, 16)}
	go func() {
		defer close(sub.ch)
		src := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Topic: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// Close releases the pool. Failures are logged, never raised: shutdown
// must always proceed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Close(); err != nil {
		c.logger.Warn("coordination store close failed", "error", err)
	}
	c.rdb = nil
	return nil
}

func wrapStoreErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}
