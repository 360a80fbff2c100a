// Package grpcapi serves the admin gRPC endpoint: health checking and reflection.
package grpcapi

import (
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"call-relay-service/internal/observability"
	"call-relay-service/internal/observability/metrics"
)

// MediaStreamService is the health-check name of the call relay.
const MediaStreamService = "call.relay.MediaStream"

// Server is the admin gRPC server.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New builds the admin server with logging interceptors, health and reflection.
// Requests are counted on m (DefaultMetrics when nil). It starts NOT_SERVING;
// call SetServing once traffic is accepted.
func New(m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	s := &Server{grpc: g, health: hs}
	s.SetServing(false)
	return s
}

// SetServing flips the overall and relay health status.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(MediaStreamService, status)
}

// Serve blocks serving lis.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("Admin gRPC server started")
	return s.grpc.Serve(lis)
}

// GracefulStop marks the server NOT_SERVING and stops it.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
