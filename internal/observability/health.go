package observability

import (
	"context"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health publishes per-protocol serving status over the standard gRPC
// health service. The empty service name reports the process as a whole.
type Health struct {
	hs *health.Server
}

func NewHealth() *Health {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{hs: hs}
}

func (h *Health) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus(service, status)
}

// Shutdown marca todo como NOT_SERVING.
func (h *Health) Shutdown() {
	h.hs.Shutdown()
}

// Serve blocks serving the health service on addr until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.hs)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info().Str("addr", addr).Msg("grpc health server listening")
	return srv.Serve(lis)
}
