package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"call-relay-service/internal/observability/metrics"
)

// UnaryServerInterceptor counts and logs admin unary calls. Health checks are
// logged with the service they checked so a failing readiness check can be
// traced to the relay entry.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		code := status.Code(err).String()
		m.RecordAdminRequest(info.FullMethod, code)

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev = withPeer(ctx, ev).
			Str("method", info.FullMethod).
			Str("code", code).
			Dur("duration", time.Since(start))
		if hc, ok := req.(*grpc_health_v1.HealthCheckRequest); ok {
			ev = ev.Str("healthService", hc.GetService())
			if r, ok := resp.(*grpc_health_v1.HealthCheckResponse); ok {
				ev = ev.Str("servingStatus", r.GetStatus().String())
			}
		}
		ev.Msg("Admin request")

		return resp, err
	}
}

// StreamServerInterceptor counts and logs admin streams (health Watch,
// reflection).
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()

		err := handler(srv, ss)

		code := status.Code(err).String()
		m.RecordAdminRequest(info.FullMethod, code)

		withPeer(ss.Context(), log.Info()).
			Str("method", info.FullMethod).
			Str("code", code).
			Dur("duration", time.Since(start)).
			Bool("success", err == nil).
			Msg("Admin stream completed")

		return err
	}
}

func withPeer(ctx context.Context, ev *zerolog.Event) *zerolog.Event {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return ev.Str("peer", p.Addr.String())
	}
	return ev
}
