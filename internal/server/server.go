// Package server runs playlistgate's public gateway listener and the admin
// listener. The gateway handles /api traffic over HTTP/1.1, h2c or TLS; the
// admin server exposes health checks, readiness probes and Prometheus
// metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/playlistgate/playlistgate/internal/admission"
	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/events"
	"github.com/playlistgate/playlistgate/internal/gateway"
	"github.com/playlistgate/playlistgate/internal/observability"
	iredis "github.com/playlistgate/playlistgate/internal/redis"
	"github.com/playlistgate/playlistgate/internal/share"
)

// Server is the playlistgate process: gateway, admin and their
// collaborators.
type Server struct {
	cfg             atomic.Pointer[config.Config]
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	adminServer     *http.Server
	gateway         *gateway.Gateway
	redis           iredis.Client // nil when neither admission nor share use Redis
	share           *share.Service
	emitter         *events.Emitter
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled
	certWatcher     *config.CertWatcher
	closeOnce       sync.Once
}

// New wires the gateway and its dependencies for cfg.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	iredis.InitLogger(logger)

	s := &Server{
		logger:  logger,
		version: version,
		health:  health,
		metrics: metrics,
	}
	s.cfg.Store(cfg)

	deps := gateway.Deps{Metrics: metrics, Logger: logger}
	if err := s.connectRedis(cfg, &deps); err != nil {
		return nil, err
	}

	if cfg.Share.Enabled {
		svc, err := share.NewService(share.NewRedisStore(s.redis), share.OptionsFromConfig(cfg.Share), metrics, logger)
		if err != nil {
			s.closeDeps()
			return nil, fmt.Errorf("create share service: %w", err)
		}
		s.share = svc
		deps.Share = svc
	}

	s.emitter = events.NewEmitter(cfg.Events, logger, metrics)
	deps.Events = s.emitter

	gw, err := gateway.New(cfg, deps)
	if err != nil {
		s.closeDeps()
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	s.gateway = gw

	if cfg.Server.TLS.Enabled {
		ch, err := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			s.closeDeps()
			return nil, err
		}
		s.certs = ch
	}

	s.mainServer = buildMainServer(cfg, gw)
	s.adminServer = buildAdminServer(cfg, health, reg)
	return s, nil
}

// connectRedis creates the shared Redis client when admission or share
// need one. An unreachable Redis is fatal for share and for the failclosed
// admission policy; otherwise admission degrades to the policy's local
// behavior until restart.
func (s *Server) connectRedis(cfg *config.Config, deps *gateway.Deps) error {
	redisAdmission := cfg.Admission.Backend == config.AdmissionBackendRedis
	if !redisAdmission && !cfg.Share.Enabled {
		return nil
	}

	iredis.WarnInsecureRedis(cfg.Redis.TLS, s.logger)
	client, err := iredis.NewClient(cfg.Redis)
	if err == nil {
		s.redis = client
		deps.Redis = client
		s.health.SetDependency("redis", iredis.Probe{Client: client})
		return nil
	}

	if cfg.Share.Enabled {
		return fmt.Errorf("share requires redis: %w", err)
	}
	if cfg.Admission.FailurePolicy == config.FailurePolicyFailClosed {
		return fmt.Errorf("admission backend redis: %w", err)
	}

	s.logger.Warn("redis unavailable at startup, admission runs locally",
		"policy", cfg.Admission.FailurePolicy, "error", err)
	s.metrics.IncAdmissionErrors()

	window := config.MustParseDuration(cfg.Admission.Window, admission.DefaultWindow)
	limits := func(endpoint string) int64 { return s.cfg.Load().Admission.LimitFor(endpoint) }
	if cfg.Admission.FailurePolicy == config.FailurePolicyPassThrough {
		limits = func(string) int64 { return 0 }
	}
	deps.Admission = admission.NewMemoryController(window, limits)
	return nil
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 10*time.Minute)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder swaps the serving certificate atomically.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads the key pair from disk and swaps it in.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Handler returns the gateway handler as served on the main listener.
func (s *Server) Handler() http.Handler { return s.mainServer.Handler }

// Run starts both listeners and blocks until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Load()
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	mainLn, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		s.closeDeps()
		return fmt.Errorf("gateway listen: %w", err)
	}
	adminLn, err := net.Listen("tcp", cfg.Admin.Address)
	if err != nil {
		_ = mainLn.Close()
		s.closeDeps()
		return fmt.Errorf("admin listen: %w", err)
	}
	return s.serve(ctx, mainLn, adminLn)
}

func (s *Server) serve(ctx context.Context, mainLn, adminLn net.Listener) error {
	cfg := s.cfg.Load()
	errCh := make(chan error, 2)

	if s.certs != nil {
		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(cfg),
			GetCertificate: s.certs.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		mainLn = tls.NewListener(mainLn, tlsCfg)

		s.certWatcher = config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, s.reloadCerts, s.logger)
		go func() {
			if err := s.certWatcher.Start(ctx); err != nil {
				s.logger.Error("TLS cert watcher error", "error", err)
			}
		}()
	}

	s.logger.Info("admin server starting", "address", adminLn.Addr().String())
	go func() {
		if err := s.adminServer.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	s.logger.Info("gateway starting",
		"address", mainLn.Addr().String(),
		"tls", s.certs != nil,
		"admission", cfg.Admission.Backend,
		"share", s.share != nil,
		"events", s.emitter != nil)
	go func() {
		if err := s.mainServer.Serve(mainLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("playlistgate is ready", "version", s.version)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case runErr = <-errCh:
	}

	s.shutdown()
	return runErr
}

func (s *Server) reloadCerts(certFile, keyFile string) {
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded")
}

// Reload applies a new configuration to the running gateway and reloads
// TLS certificates when their paths are set.
func (s *Server) Reload(newCfg *config.Config) error {
	if err := config.Validate(newCfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.gateway.Reload(newCfg)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		s.reloadCerts(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile)
	}
	s.cfg.Store(newCfg)
	return nil
}

func (s *Server) shutdown() {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Load().Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.certWatcher != nil {
		s.certWatcher.Stop()
	}
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.closeDeps()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
}

// closeDeps releases the gateway, emitter, share cache and Redis client.
// The gateway closes the admission controller, which owns the Redis client
// for the redis backend.
func (s *Server) closeDeps() {
	s.closeOnce.Do(func() {
		if s.gateway != nil {
			if err := s.gateway.Close(); err != nil {
				s.logger.Error("gateway close error", "error", err)
			}
		}
		if err := s.emitter.Close(); err != nil {
			s.logger.Error("events emitter close error", "error", err)
		}
		if s.share != nil {
			s.share.Close()
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil && !errors.Is(err, iredis.ErrClosed) {
				s.logger.Error("redis close error", "error", err)
			}
		}
	})
}
