package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hookline/internal/api"
	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/engine"
	"github.com/austindbirch/hookline/internal/health"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/tracing"
)

const healthInterval = 5 * time.Second

func main() {
	cfg := config.FromEnv()
	logger := logging.New(cfg.AppName)
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("Ignoring LOG_LEVEL")
	} else {
		logger.SetLevel(lvl)
	}

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.AppName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("hookd failed")
	}
	logger.Plain().Info("hookd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	e, err := engine.New(ctx, cfg, engine.Deps{Logger: logger})
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Stop(context.Background())
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, err := newHTTPHandler(e, reg, logger)
	if err != nil {
		_ = e.Stop(context.Background())
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		_ = e.Stop(context.Background())
		return err
	}

	errc := make(chan error, 2)
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go watchHealth(ctx, hs, e.Checks())

	select {
	case <-ctx.Done():
	case err = <-errc:
		logger.Plain().WithError(err).Error("server failed, shutting down")
	}

	logger.Plain().Info("shutting down")
	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Plain().WithError(serr).Warn("HTTP shutdown")
	}
	grpcSrv.GracefulStop()
	if serr := e.Stop(shutdownCtx); serr != nil {
		logger.Plain().WithError(serr).Warn("engine shutdown")
	}
	return err
}

// newHTTPHandler serves the tenant API plus /healthz and /metrics.
func newHTTPHandler(e *engine.Engine, reg *prometheus.Registry, logger *logging.Logger) (http.Handler, error) {
	apiSrv, err := api.New(e, logger)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(e.Checks()...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", apiSrv)
	return mux, nil
}

// syncHealth mirrors the engine checks onto the gRPC health service.
func syncHealth(ctx context.Context, hs *grpc_health.Server, checks []health.Check) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if !health.Evaluate(ctx, checks...).OK {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
	return status
}

func watchHealth(ctx context.Context, hs *grpc_health.Server, checks []health.Check) {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		syncHealth(ctx, hs, checks)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
