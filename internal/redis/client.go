// Package redis builds go-redis clients for the single, sentinel and
// cluster topologies. Client is kept to the handful of commands that
// admission control and snapshot sharing issue.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/playlistgate/playlistgate/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// Nil is returned by Get when the key does not exist.
const Nil = goredis.Nil

// slogRedisLogger routes go-redis internal logging through slog.
type slogRedisLogger struct {
	logger *slog.Logger
}

func (l *slogRedisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger redirects go-redis internal logs to logger. Call once at
// startup before any client is created.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogRedisLogger{logger: logger})
}

// Client is the subset of go-redis used by playlistgate. *goredis.Client
// and *goredis.ClusterClient both satisfy it.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	PTTL(ctx context.Context, key string) *goredis.DurationCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// NewClient creates the client for the configured topology and verifies
// connectivity with a PING bounded by the dial timeout.
func NewClient(cfg config.RedisConfig) (Client, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}

	var (
		c     Client
		label string
	)
	switch opts.mode {
	case config.RedisModeSingle:
		c = goredis.NewClient(opts.singleOptions())
		label = fmt.Sprintf("single: connect to %s", opts.endpoints[0])
	case config.RedisModeSentinel:
		c = goredis.NewFailoverClient(opts.failoverOptions())
		label = fmt.Sprintf("sentinel: connect via %v for master %q", opts.endpoints, opts.masterName)
	case config.RedisModeCluster:
		c = goredis.NewClusterClient(opts.clusterOptions())
		label = fmt.Sprintf("cluster: connect to seeds %v", opts.endpoints)
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", opts.mode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*opts.dialTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return c, nil
}

// ErrClosed is returned by operations on a closed client.
var ErrClosed = goredis.ErrClosed

// Probe adapts a Client to the health checker's Pinger.
type Probe struct {
	Client Client
}

func (p Probe) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// IsNoScriptErr reports whether err is a NOSCRIPT reply.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// IsConnectivityErr reports unreachable, timed out or failing-over Redis.
// Caller cancellation is not a connectivity error.
func IsConnectivityErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe",
		"EOF", "no such host", "no route to host",
		"network is unreachable", "i/o timeout",
		"CLUSTERDOWN", "LOADING", "TRYAGAIN",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// WarnInsecureRedis logs a warning when certificate verification is off.
func WarnInsecureRedis(cfgTLS config.RedisTLSConfig, logger *slog.Logger) {
	if cfgTLS.Enabled && cfgTLS.InsecureSkipVerify {
		logger.Warn("redis TLS certificate verification is disabled (insecure_skip_verify=true)")
	}
}

// go-redis retries transparently inside each command. Admission calls
// carry their own short deadlines, so the retry budget stays small.
const (
	defaultMaxRetries      = 2
	defaultMinRetryBackoff = 50 * time.Millisecond
	defaultMaxRetryBackoff = 500 * time.Millisecond
)

type options struct {
	endpoints        []string
	mode             config.RedisMode
	masterName       string
	username         string
	password         string
	sentinelPassword string
	db               int
	poolSize         int
	dialTimeout      time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	tlsEnabled       bool
	tlsSkipVerify    bool
}

func (o *options) singleOptions() *goredis.Options {
	return &goredis.Options{
		Addr:            o.endpoints[0],
		Username:        o.username,
		Password:        o.password,
		DB:              o.db,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tlsConfig(),
	}
}

func (o *options) failoverOptions() *goredis.FailoverOptions {
	return &goredis.FailoverOptions{
		MasterName:       o.masterName,
		SentinelAddrs:    o.endpoints,
		SentinelPassword: o.sentinelPassword,
		Username:         o.username,
		Password:         o.password,
		DB:               o.db,
		PoolSize:         o.poolSize,
		DialTimeout:      o.dialTimeout,
		ReadTimeout:      o.readTimeout,
		WriteTimeout:     o.writeTimeout,
		MaxRetries:       defaultMaxRetries,
		MinRetryBackoff:  defaultMinRetryBackoff,
		MaxRetryBackoff:  defaultMaxRetryBackoff,
		TLSConfig:        o.tlsConfig(),
	}
}

func (o *options) clusterOptions() *goredis.ClusterOptions {
	return &goredis.ClusterOptions{
		Addrs:           o.endpoints,
		Username:        o.username,
		Password:        o.password,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tlsConfig(),
	}
}

// tlsConfig returns nil when TLS is disabled.
func (o *options) tlsConfig() *tls.Config {
	if !o.tlsEnabled {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: o.tlsSkipVerify, //nolint:gosec // opt-in via redis.tls.insecure_skip_verify.
	}
}

func parseOptions(cfg config.RedisConfig) (*options, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no redis endpoints configured")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	dialTimeout, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	readTimeout, err := config.ParseDuration(cfg.ReadTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := config.ParseDuration(cfg.WriteTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	return &options{
		endpoints:        cfg.Endpoints,
		mode:             mode,
		masterName:       cfg.MasterName,
		username:         cfg.Username,
		password:         cfg.Password.Value(),
		sentinelPassword: cfg.SentinelPassword.Value(),
		db:               cfg.DB,
		poolSize:         poolSize,
		dialTimeout:      dialTimeout,
		readTimeout:      readTimeout,
		writeTimeout:     writeTimeout,
		tlsEnabled:       cfg.TLS.Enabled,
		tlsSkipVerify:    cfg.TLS.InsecureSkipVerify,
	}, nil
}
