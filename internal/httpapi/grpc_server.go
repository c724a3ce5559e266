package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"consentgate.org/internal/obs"
)

type readinessChecker interface {
	Ready(ctx context.Context) error
}

// HealthServer publishes store readiness over the standard gRPC health
// protocol, both for the empty service name and for serviceName.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
	timeout   time.Duration
}

// NewHealthServer wraps r. Status starts as NOT_SERVING until Refresh runs.
func NewHealthServer(r readinessChecker) *HealthServer {
	s := &HealthServer{health: health.NewServer(), readiness: r, timeout: 2 * time.Second}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh probes readiness once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.readiness.Ready(ctx); err != nil {
		obs.Logger().Warn("readiness probe failed", zap.Error(err))
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Start refreshes every interval until the returned stop function is called.
func (s *HealthServer) Start(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s.Refresh(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
	return func() {
		cancel()
		s.health.Shutdown()
	}
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
}
