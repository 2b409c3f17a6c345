package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the engine
const ServiceName = "promptbatch"

// Config configures the listeners
type Config struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NewHealthServer creates a gRPC server with the standard health service
// registered. Both the overall and the named service start SERVING.
func NewHealthServer() (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
	return grpcServer, hs
}

// ListenAndServe serves HTTP (and gRPC health when GRPCAddr is set) until
// ctx is done, then shuts both down.
func ListenAndServe(ctx context.Context, cfg Config, handler http.Handler) error {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		grpcServer *grpc.Server
		hs         *health.Server
		lis        net.Listener
	)
	if cfg.GRPCAddr != "" {
		var err error
		lis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		grpcServer, hs = NewHealthServer()
	}

	errCh := make(chan error, 2)

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if grpcServer != nil {
		go func() {
			slog.Info("gRPC health server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	slog.Info("Shutting down servers")
	if hs != nil {
		hs.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	return serveErr
}
