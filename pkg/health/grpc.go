package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"capstone-brain/backend/pkg/logger"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RelayService is the gRPC health service name reported by the worker
const RelayService = "capstone.relay.Worker"

// NewGRPCServer returns a gRPC server exposing the standard health service,
// kept in sync with c
func NewGRPCServer(c *Checker) *grpc.Server {
	hs := grpchealth.NewServer()
	set := func(healthy bool) {
		status := healthpb.HealthCheckResponse_SERVING
		if !healthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(RelayService, status)
	}
	set(c.IsSystemHealthy())
	c.OnChange(set)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// ServeGRPC serves the health service on addr until ctx is done
func ServeGRPC(ctx context.Context, addr string, c *Checker, log *logger.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := NewGRPCServer(c)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
