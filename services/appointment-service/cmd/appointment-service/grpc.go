package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/garagebook/garagebook/libs/grpcx"
	"github.com/garagebook/garagebook/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// startGrpcServer serves the standard health service, driven by the same checks as /readyz.
func startGrpcServer(ctx context.Context, logger *slog.Logger, port string, checks []runtime.ReadyCheck) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			grpcx.UnaryServerRequestIDInterceptor(),
			grpcx.UnaryServerLogInterceptor(logger),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	go watchHealth(ctx, logger, hs, checks)

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()

	return nil
}

func watchHealth(ctx context.Context, logger *slog.Logger, hs *health.Server, checks []runtime.ReadyCheck) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	serving := true
	for {
		failures := runtime.RunChecks(ctx, checks...)
		status := healthpb.HealthCheckResponse_SERVING
		if len(failures) > 0 {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if now := len(failures) == 0; now != serving {
			logger.Warn("readiness changed", "serving", now, "failures", failures)
			serving = now
		}
		hs.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
