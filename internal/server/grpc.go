package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"TollLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LinkHealthService is the gRPC health service name that follows the
// hardware link.
const LinkHealthService = "tollledger.link"

// ServerDeps holds dependencies for the servers.
type ServerDeps struct {
	HealthChecker *observability.HealthChecker
	LinkConnected func() bool
	HTTPHandler   http.Handler
	Logger        zerolog.Logger
}

// Server runs the gRPC health endpoint and the HTTP surface.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         *ServerDeps
	logger       zerolog.Logger

	pollInterval time.Duration
}

func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) *Server {
	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(LinkHealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       deps.Logger,
		pollInterval: time.Second,
	}
}

// SyncHealth copies readiness and link connectivity into the gRPC health
// service.
func (s *Server) SyncHealth() {
	status := func(ok bool) healthpb.HealthCheckResponse_ServingStatus {
		if ok {
			return healthpb.HealthCheckResponse_SERVING
		}
		return healthpb.HealthCheckResponse_NOT_SERVING
	}

	if s.deps.HealthChecker != nil {
		s.healthServer.SetServingStatus("", status(s.deps.HealthChecker.IsReady()))
	}
	if s.deps.LinkConnected != nil {
		s.healthServer.SetServingStatus(LinkHealthService, status(s.deps.LinkConnected()))
	}
}

// HealthServer exposes the health service, mainly for tests.
func (s *Server) HealthServer() *health.Server {
	return s.healthServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go s.watchHealth(ctx)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.SyncHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncHealth()
		}
	}
}

// StartHTTP starts the HTTP server (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.deps.HTTPHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
