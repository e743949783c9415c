package cmd

import (
	"errors"
	"net"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/rpc"
	sourcefactory "github.com/treeverse/claimload/pkg/source/factory"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a claim change stream over gRPC from a local source",
	Long: `Serve publishes a random, file or S3 backed change stream through the same
gRPC service the ingestion job reads from. Useful for local runs and load tests.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := logging.FromContext(ctx).WithField(logging.ServiceNameFieldKey, "mock_server")

		src, err := sourcefactory.BuildSource(ctx, cfg.GetServerSourceParams(), clock.WallClock)
		if err != nil {
			logger.WithError(err).Fatal("Failed to build source")
		}
		defer func() { _ = src.Close() }()

		opts := rpc.ServerOptions{
			Version: cfg.GetServerVersion(),
			Tokens:  cfg.GetServerAuthorizedTokens(),
			Logger:  logger,
		}
		server := rpc.NewGRPCServer(rpc.NewServer(src, opts), opts)
		listenAddr := cfg.GetServerListenAddress()
		lis, err := net.Listen("tcp", listenAddr)
		if err != nil {
			logger.WithError(err).WithField("listen_address", listenAddr).Fatal("Failed to listen")
		}
		go func() {
			<-ctx.Done()
			logger.Warn("shutting down...")
			server.GracefulStop()
		}()
		logger.WithField("listen_address", listenAddr).Info("Up and running (^C to shutdown)...")
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.WithError(err).Fatal("Serve failed")
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(serveCmd)
}
