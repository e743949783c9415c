package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
	"github.com/treeverse/claimload/pkg/httputil"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/pipeline"
	"github.com/treeverse/claimload/pkg/sink"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/version"
)

const (
	readHeaderTimeout = 10 * time.Second

	onceFlagName = "once"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest the change stream, once or on the configured interval",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		once, err := cmd.Flags().GetBool(onceFlagName)
		if err != nil {
			fmt.Printf("%s: %s\n", onceFlagName, err)
			os.Exit(1)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := logging.FromContext(ctx).WithField("version", version.Version)

		a, err := newApp(ctx, cfg, newRegistry())
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize")
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.WithError(err).Warn("close")
			}
		}()

		if once {
			results, err := a.runJob(ctx)
			printResults(cmd, results)
			if err != nil {
				logger.WithError(err).Error("Run failed")
				os.Exit(1)
			}
			return
		}
		if err := runScheduled(ctx, a); err != nil {
			logger.WithError(err).Error("Stopped")
			os.Exit(1)
		}
	},
}

// runScheduled runs the job every interval, never two at a time, until ctx is done or a run
// fails with a fatal error. It serves /metrics and /_health meanwhile.
func runScheduled(ctx context.Context, a *app) error {
	logger := logging.FromContext(ctx)
	health, err := openStore(ctx, a.cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = health.Close() }()
	server := &http.Server{
		Addr:              a.cfg.GetMetricsListenAddress(),
		ReadHeaderTimeout: readHeaderTimeout,
		Handler: httputil.NewAdminHandler(httputil.AdminOptions{
			Registry: a.registry,
			Health: func(ctx context.Context) error {
				return health.Transact(ctx, func(tx store.Tx) error {
					_, err := tx.ListProgress()
					return err
				}, store.ReadOnly())
			},
		}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to listen on admin address")
		}
	}()

	fatal := make(chan error, 1)
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	_, err = scheduler.Every(a.cfg.GetJobInterval()).Do(func() {
		results, err := a.runJob(ctx)
		for _, r := range results {
			logger.WithFields(logging.Fields{
				logging.ClaimTypeFieldKey: r.ClaimType,
				"received":                r.Received,
				"processed":               r.Processed,
				"checkpoint":              r.Checkpoint,
			}).Info("Run finished")
		}
		if err == nil {
			return
		}
		logger.WithError(err).Error("Run failed")
		if sink.IsFatal(err) {
			select {
			case fatal <- err:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	scheduler.StartAsync()
	logger.WithField("interval", a.cfg.GetJobInterval()).Info("Up and running (^C to shutdown)...")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Warn("shutting down...")
	case runErr = <-fatal:
		logger.WithError(runErr).Error("fatal error, shutting down...")
	}
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.GetShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("admin server shutdown")
	}
	return runErr
}

func printResults(cmd *cobra.Command, results []pipeline.Result) {
	for _, r := range results {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\treceived=%d\tprocessed=%d\tcheckpoint=%d\n",
			r.ClaimType, r.Received, r.Processed, r.Checkpoint)
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool(onceFlagName, false, "run the job a single time and exit")
}
