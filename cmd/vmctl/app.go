package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/config"
	"github.com/jbweber/vmctl/internal/progress"
	"github.com/jbweber/vmctl/internal/telemetry"
)

// app holds the global flags and the collaborators built from them.
type app struct {
	configPath  string
	backendName string
	logLevel    string
	logFormat   string
	metricsAddr string

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	console   progress.Sink

	shutdownTracer func(context.Context) error
	metricsServer  *http.Server
}

// setup loads the configuration and builds logging, tracing and metrics.
// Flags override the configuration file.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Addr = a.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// The registry rejects unknown backend names.
	if a.backendName != "" {
		cfg.Backend = a.backendName
	}
	a.cfg = cfg

	a.logger, a.logCloser, err = telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	a.tracer, a.shutdownTracer, err = telemetry.NewTracer(cfg.Tracing, version)
	if err != nil {
		return err
	}
	a.metrics = telemetry.NewMetrics(cfg.Metrics)
	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(cfg.Metrics.Addr); err != nil {
			return err
		}
	}
	a.console = progress.NewConsoleSink(cmd.OutOrStdout())
	return nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	a.logger.Debug().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return nil
}

// openBackend opens the configured backend. Callers close it with
// backend.Close.
func (a *app) openBackend(ctx context.Context) (backend.Backend, error) {
	return backend.Open(ctx, a.cfg.Backend, backend.Deps{
		Config:  a.cfg,
		Logger:  a.logger,
		Sink:    progress.Multi(a.console, progress.LogSink{Logger: telemetry.Component(a.logger, "progress")}),
		Metrics: a.metrics,
		Tracer:  a.tracer,
	})
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		errs = append(errs, a.metricsServer.Shutdown(shutdownCtx))
		cancel()
	}
	if a.shutdownTracer != nil {
		errs = append(errs, a.shutdownTracer(context.WithoutCancel(ctx)))
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// withBackend opens the backend, runs fn and closes the backend.
func (a *app) withBackend(ctx context.Context, fn func(backend.Backend) error) (err error) {
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(b); closeErr != nil {
			a.logger.Warn().Err(closeErr).Msg("failed to close backend")
		}
	}()
	return fn(b)
}
