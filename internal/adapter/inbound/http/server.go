package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/auth"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/service"
	"github.com/policyshield/policyshield/internal/telemetry"
)

// ErrShutdownRequested is returned by Start after POST /admin/kill with
// shutdown:true. The command layer maps it to a distinct exit code so
// supervisors can tell an operator-requested stop from a crash.
var ErrShutdownRequested = errors.New("process shutdown requested via kill switch")

// Server is the inbound HTTP adapter. It owns the listener, the middleware
// chain and the Prometheus registry; decisions themselves are delegated to
// the engine.
type Server struct {
	engine    *service.Engine
	rulesets  *service.RulesetService
	sessions  session.Store
	approvals *approval.Manager

	addr            string
	verifier        *auth.Verifier
	logger          *slog.Logger
	telemetry       *telemetry.Provider
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	metrics   *Metrics
	handler   http.Handler
	buildOnce sync.Once

	server *http.Server

	startedAt    time.Time
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8100".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithVerifier sets the bearer token verifier. Default is an open verifier
// that accepts every request.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTelemetry sets the OpenTelemetry provider. Default is a no-op provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Server) {
		if p != nil {
			s.telemetry = p
		}
	}
}

// WithReadTimeout sets the HTTP read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithWriteTimeout sets the HTTP write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer creates the API server around the engine and its stores.
func NewServer(
	engine *service.Engine,
	rulesets *service.RulesetService,
	sessions session.Store,
	approvals *approval.Manager,
	opts ...Option,
) *Server {
	s := &Server{
		engine:          engine,
		rulesets:        rulesets,
		sessions:        sessions,
		approvals:       approvals,
		addr:            "127.0.0.1:8100",
		verifier:        auth.Open(),
		logger:          slog.Default(),
		telemetry:       telemetry.Noop(),
		readTimeout:     10 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 10 * time.Second,
		startedAt:       time.Now(),
		shutdownCh:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ShutdownRequested is closed when a kill request asked for process
// shutdown. Start watches it internally; it is exposed for callers that
// embed the handler without Start.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Handler composes the full middleware chain and route table. It is built
// once; Start and tests share the same composition.
func (s *Server) Handler() http.Handler {
	s.buildOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(reg)
		s.registerGauges(reg)

		// Middleware order, outermost first: metrics must see the full
		// request duration, request IDs must be on every response
		// including 401s, auth runs last before routing.
		var h http.Handler = s.routes(reg)
		h = s.authMiddleware(h)
		h = RequestIDMiddleware(s.logger)(h)
		h = MetricsMiddleware(s.metrics)(h)
		s.handler = h
	})
	return s.handler
}

func (s *Server) registerGauges(reg prometheus.Registerer) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}, func() float64 { return float64(s.sessions.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "approvals_pending",
			Help:      "Number of approvals awaiting a responder",
		}, func() float64 { return float64(s.approvals.PendingCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "kill_switch_engaged",
			Help:      "1 while the kill switch is engaged",
		}, func() float64 {
			if killed, _ := s.engine.Killed(); killed {
				return 1
			}
			return 0
		}),
	)
}

func (s *Server) routes(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/check", s.handleCheck)
	mux.HandleFunc("POST /api/v1/post-check", s.handlePostCheck)
	mux.HandleFunc("GET /api/v1/constraints", s.handleConstraints)
	mux.HandleFunc("POST /api/v1/reload", s.handleReload)
	mux.HandleFunc("POST /api/v1/respond-approval", s.handleRespondApproval)
	mux.HandleFunc("POST /api/v1/check-approval", s.handleCheckApproval)
	mux.HandleFunc("GET /api/v1/pending-approvals", s.handlePendingApprovals)
	mux.HandleFunc("POST /api/v1/clear-taint", s.handleClearTaint)
	mux.HandleFunc("POST /admin/kill", s.handleKill)
	mux.HandleFunc("POST /admin/resume", s.handleResume)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	mux.HandleFunc("/", s.handleNotFound)

	return mux
}

// authMiddleware enforces the bearer token on every endpoint except the
// health probe, which load balancers hit without credentials.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.Enabled() || r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.verifier.Verify(bearerToken(r)) {
			s.writeError(w, http.StatusUnauthorized, "auth", "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving and blocks until the context is cancelled, a kill
// request demands shutdown, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case <-s.shutdownCh:
		s.logger.Warn("kill switch requested process shutdown")
		if err := s.shutdown(); err != nil {
			return err
		}
		return ErrShutdownRequested
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// requestShutdown marks the process for shutdown. Safe to call repeatedly.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}
