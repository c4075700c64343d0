// Command enginebridge serves the Python engines over gRPC so a gateway on
// another host can use them with ENGINE_TRANSPORT=grpc.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/tumorscan/internal/config"
	"github.com/example/tumorscan/internal/grpcclient"
	"github.com/example/tumorscan/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	listener, err := net.Listen("tcp", cfg.Engine.BridgeAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err), zap.String("addr", cfg.Engine.BridgeAddr))
	}

	server := grpc.NewServer()
	grpcclient.RegisterEngineServer(server,
		cfg.Engine.PredictorTransport(logger),
		cfg.Engine.AnalysisTransport(logger),
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("engine bridge listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("predictor_script", cfg.Engine.PredictorScript),
		zap.String("analysis_script", cfg.Engine.AnalysisScript),
	)
	if err := serve(ctx, server, listener, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("engine bridge failed", zap.Error(err))
	}
}

// serve runs server until ctx is done, then drains in-flight calls for up
// to shutdownTimeout before forcing the stop.
func serve(ctx context.Context, server *grpc.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down engine bridge")
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, closing connections")
		server.Stop()
	}
	return <-errCh
}
