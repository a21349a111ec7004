// ABOUTME: Gateway orchestrator wiring registry, router, recovery and heartbeat
// ABOUTME: Owns the HTTP server, readiness signal and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/netra-systems/pulse-gateway/internal/auth"
	"github.com/netra-systems/pulse-gateway/internal/config"
	"github.com/netra-systems/pulse-gateway/internal/connection"
	"github.com/netra-systems/pulse-gateway/internal/event"
	"github.com/netra-systems/pulse-gateway/internal/execution"
	"github.com/netra-systems/pulse-gateway/internal/heartbeat"
	"github.com/netra-systems/pulse-gateway/internal/observability"
	"github.com/netra-systems/pulse-gateway/internal/recovery"
	"github.com/netra-systems/pulse-gateway/internal/router"
)

// Gateway orchestrates the event delivery subsystem: connection registry,
// event router, recovery queue, execution factory and heartbeat monitor.
type Gateway struct {
	cfg    *config.Config
	gate   auth.Gate
	logger *slog.Logger

	metrics  *observability.Metrics
	registry *connection.Registry
	recovery *recovery.Queue
	router   *router.Router
	factory  *execution.Factory
	monitor  *heartbeat.Monitor

	httpServer *http.Server
	task       execution.TaskFunc

	// ready flips true only once every component is constructed and the
	// listener is about to serve. The platform's readiness probe must
	// consult this before routing traffic; reporting healthy earlier is
	// the classic cause of failed handshakes under cold start.
	ready atomic.Bool
}

// New creates a gateway with all components wired. The gate is consumed,
// not owned: credential minting happens elsewhere.
func New(cfg *config.Config, gate auth.Gate, logger *slog.Logger) (*Gateway, error) {
	if gate == nil {
		return nil, errors.New("authentication gate is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := observability.New("pulse")
	registry := connection.NewRegistry(logger, metrics)

	var journal recovery.Store
	if cfg.Recovery.Path != "" {
		var err error
		journal, err = recovery.NewSQLiteStore(cfg.Recovery.Path)
		if err != nil {
			return nil, fmt.Errorf("opening recovery journal: %w", err)
		}
		logger.Info("recovery journal enabled", "path", cfg.Recovery.Path)
	}

	queue := recovery.NewQueue(recovery.Options{
		TTL:           cfg.Recovery.TTL,
		SweepInterval: cfg.Recovery.SweepInterval,
		MaxPerUser:    cfg.Recovery.MaxPerUser,
	}, journal, logger, metrics)

	rtr := router.New(registry, queue, logger, metrics)
	factory := execution.NewFactory(rtr, logger, metrics)
	monitor := heartbeat.NewMonitor(registry, cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout, logger, metrics)

	g := &Gateway{
		cfg:      cfg,
		gate:     gate,
		logger:   logger.With("component", "gateway"),
		metrics:  metrics,
		registry: registry,
		recovery: queue,
		router:   rtr,
		factory:  factory,
		monitor:  monitor,
		task:     DefaultTask,
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// SetTask replaces the pluggable run task. Task business logic is an
// external collaborator; the default task exists to exercise the pipeline.
func (g *Gateway) SetTask(task execution.TaskFunc) {
	g.task = task
}

// Dispatch routes an event through the delivery pipeline. Exposed for
// collaborators that emit outside an execution context.
func (g *Gateway) Dispatch(e *event.Event) {
	g.router.Dispatch(e)
}

// Factory returns the execution context factory.
func (g *Gateway) Factory() *execution.Factory {
	return g.factory
}

// Ready reports whether the subsystem can accept connections.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Routes builds the HTTP routing table.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	if g.cfg.Metrics.Enabled {
		r.Handle(g.cfg.Metrics.Path, g.metrics.Handler())
	}

	r.Get("/ws", g.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(g.gate))
		r.Post("/api/runs", g.handleCreateRun)
		r.Get("/api/runs/{id}", g.handleGetRun)
		r.Post("/api/runs/{id}/cancel", g.handleCancelRun)
	})

	return r
}

// Run starts the monitor and HTTP server, blocking until the context is
// cancelled or the server fails. Readiness flips true only once the
// listener is bound, immediately before serving.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Server.HTTPAddr, err)
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	g.monitor.Start(monitorCtx)

	g.ready.Store(true)
	g.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops accepting traffic, closes live connections and releases
// the recovery queue.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.ready.Store(false)
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	for _, c := range g.registry.All() {
		c.BeginClose()
		g.registry.Remove(c.ID)
		c.Close()
	}

	g.recovery.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 only once the delivery subsystem can accept
// connections. Load balancers must gate traffic on this, not /health.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.registry.Len())
}
