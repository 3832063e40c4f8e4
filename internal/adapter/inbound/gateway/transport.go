package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport owns the gateway's listeners: the public one every application
// host resolves to, and an optional internal one serving /metrics away from
// user traffic.
type Transport struct {
	addr            string
	internalAddr    string
	handler         *Handler
	metrics         *Metrics
	registry        *prometheus.Registry
	health          *HealthChecker
	logger          *slog.Logger
	shutdownTimeout time.Duration

	server   *http.Server
	internal *http.Server
}

// Option configures the Transport.
type Option func(*Transport)

// WithInternalAddr enables the internal listener on the given address.
func WithInternalAddr(addr string) Option {
	return func(t *Transport) { t.internalAddr = addr }
}

// WithShutdownTimeout bounds graceful shutdown drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) { t.shutdownTimeout = d }
}

// NewTransport creates a Transport serving handler on addr.
func NewTransport(addr string, handler *Handler, metrics *Metrics, registry *prometheus.Registry, health *HealthChecker, logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		addr:            addr,
		handler:         handler,
		metrics:         metrics,
		registry:        registry,
		health:          health,
		logger:          logger,
		shutdownTimeout: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins accepting connections on both listeners. It blocks until the
// context is cancelled or a listener fails.
func (t *Transport) Start(ctx context.Context) error {
	// Middleware order, outermost first: metrics captures the full duration,
	// then the request ID enriches the logger, then recovery guards the rest.
	r := chi.NewRouter()
	r.Use(t.metrics.MetricsMiddleware)
	r.Use(RequestIDMiddleware(t.logger))
	r.Use(RecoverMiddleware(t.logger))
	r.Handle("/*", t.handler)

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: notebook WebSockets and SSE streams stay open
		// for hours.
	}

	errCh := make(chan error, 2)

	go func() {
		t.logger.Info("starting gateway listener", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if t.internalAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry}))
		mux.Handle(healthcheckPath, t.health.Handler())
		t.internal = &http.Server{
			Addr:              t.internalAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			t.logger.Info("starting internal listener", "addr", t.internalAddr)
			if err := t.internal.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	t.health.SetReady(true)

	select {
	case <-ctx.Done():
		t.logger.Info("shutting down gateway")
		return t.shutdown()
	case err := <-errCh:
		t.health.SetReady(false)
		return err
	}
}

// shutdown drains in-flight requests up to the configured timeout.
func (t *Transport) shutdown() error {
	t.health.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("gateway listener shutdown", "error", err)
		errs = append(errs, err)
	}
	if t.internal != nil {
		if err := t.internal.Shutdown(ctx); err != nil {
			t.logger.Error("internal listener shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("gateway shutdown complete")
	return nil
}
