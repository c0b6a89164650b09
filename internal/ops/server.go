package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	alertingmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/alerting"
	balancemetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/balance"
	ingestmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/ingest"
	probemetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/probe"
	reloadmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/reload"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
)

const (
	readTimeout        = 5 * time.Second
	writeTimeout       = 10 * time.Second
	maxScrapesInFlight = 10
)

// Server is the ops HTTP server: /metrics, /health, /ready, /live.
type Server struct {
	checker  *Checker
	registry *prometheus.Registry
	logger   observability.Logger
	addr     string
	path     string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	stopOnce sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the ops server. The registry backs /metrics; pass
// BuildRegistry() unless a test needs its own.
func NewServer(cfg config.MetricsConfig, checker *Checker, registry *prometheus.Registry, opts ...ServerOption) *Server {
	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":9090"
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	s := &Server{
		checker:  checker,
		registry: registry,
		logger:   observability.L(),
		addr:     addr,
		path:     path,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observability.String("component", "ops"))
	return s
}

// Start binds the listen address and serves in the background. Bind
// errors surface here; serve errors are logged.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog:            &promErrorLogger{logger: s.logger},
		ErrorHandling:       promhttp.ContinueOnError,
		Registry:            s.registry,
		MaxRequestsInFlight: maxScrapesInFlight,
		Timeout:             writeTimeout,
		EnableOpenMetrics:   true,
	}))
	mux.HandleFunc("/health", s.checker.HealthHandler())
	mux.HandleFunc("/ready", s.checker.ReadinessHandler())
	mux.HandleFunc("/live", s.checker.LivenessHandler())

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	server := s.server
	s.mu.Unlock()

	s.logger.Info("ops server listening",
		observability.String("address", listener.Addr().String()),
		observability.String("metrics_path", s.path),
	)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", observability.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		server := s.server
		s.mu.Unlock()
		if server == nil {
			return
		}
		s.logger.Info("stopping ops server")
		stopErr = server.Shutdown(ctx)
	})
	return stopErr
}

// BuildRegistry assembles the registry served on /metrics: every
// routing-core metric family plus Go runtime and process collectors.
func BuildRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reloadmetrics.GetReloadMetrics().MustRegister(registry)
	probemetrics.GetProbeMetrics().MustRegister(registry)
	balancemetrics.GetBalanceMetrics().MustRegister(registry)
	alertingmetrics.GetAlertingMetrics().MustRegister(registry)
	ingestmetrics.GetIngestMetrics().MustRegister(registry)
	return registry
}

// promErrorLogger adapts the observability logger to promhttp.Logger.
type promErrorLogger struct {
	logger observability.Logger
}

// Println implements promhttp.Logger.
func (l *promErrorLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}
