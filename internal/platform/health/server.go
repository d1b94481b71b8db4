// Package health runs the gRPC health endpoint and the HTTP listener of a
// command and stops both when the command's context ends.
package health

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
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Server serves the gRPC health protocol for the named services.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	services   []string
	logger     *slog.Logger
}

// Listen binds addr and registers services as NOT_SERVING until
// SetServing is called.
func Listen(addr string, logger *slog.Logger, services ...string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	services = append([]string{""}, services...)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		services:   services,
		logger:     logger.With("module", "health"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// SetServing flips every registered service to SERVING.
func (s *Server) SetServing() {
	for _, service := range s.services {
		s.health.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}
}

// Serve runs until ctx is canceled, then reports NOT_SERVING and stops
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("health server listening", "event", "health_listening", "addr", s.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve health: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve health: %w", err)
	}
}

// ServeHTTP runs srv on listener until ctx is canceled and then shuts it
// down within timeout.
func ServeHTTP(ctx context.Context, listener net.Listener, srv *http.Server, timeout time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
