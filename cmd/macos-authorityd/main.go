// Copyright 2025 Joseph Cumines
//
// macos-authorityd - the desktop control-plane server: hybrid window
// authority, element locator, observation manager, and input dispatcher
// behind a gRPC long-running-operations surface.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/joeycumines/macos-authority/internal/config"
	"github.com/joeycumines/macos-authority/internal/osfacade"
	"github.com/joeycumines/macos-authority/internal/rpcapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	facade, err := newPlatformFacade(logger)
	if err != nil {
		log.Fatalf("Failed to initialise OS facade: %v", err)
	}
	bounded := osfacade.NewBounded(facade, cfg.AXWorkerPoolSize, cfg.AXCallTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := rpcapi.NewService(ctx, bounded, rpcapi.Options{
		PollInterval:           cfg.PollInterval,
		PollUntilTimeout:       cfg.PollUntilTimeout,
		MinObservationInterval: cfg.MinObservationInterval,
		ElementCacheTTL:        cfg.ElementCacheTTL,
	}, logger)

	lis, err := listen(cfg)
	if err != nil {
		log.Fatalf("Failed to bind: %v", err)
	}

	grpcServer := grpc.NewServer()
	longrunningpb.RegisterOperationsServer(grpcServer, rpcapi.NewOperationsService(svc.Operations()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", slog.String("address", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		grpcServer.GracefulStop()
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("server shutdown complete")
}

// listen binds either the Unix domain socket (when MACOS_USE_SERVER_SOCKET
// is set) or the configured TCP address.
func listen(cfg *config.Config) (net.Listener, error) {
	if cfg.SocketPath != "" {
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", cfg.SocketPath, err)
		}
		return net.Listen("unix", cfg.SocketPath)
	}
	return net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port))
}
