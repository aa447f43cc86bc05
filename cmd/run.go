package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/mailsession/internal/logging"
)

func newRunCmd() *cobra.Command {
	var (
		debugMode   bool
		username    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the session runtime",
		Long: `Start the session runtime: log the given account in, keep its session
alive through automatic token refresh, and serve metrics until interrupted.

The password is read from the MAILSESSION_PASSWORD environment variable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			shutdownCtx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := newRuntime(shutdownCtx, debugMode)
			if err != nil {
				return err
			}

			metricsServer, err := rt.startMetricsServer(metricsAddr)
			if err != nil {
				rt.shutdown(context.Background())
				return err
			}

			if username != "" {
				password := os.Getenv("MAILSESSION_PASSWORD")
				if err := login(shutdownCtx, rt, username, password, func(format string, args ...any) {
					cmd.Printf(format, args...)
				}); err != nil {
					metricsServer.Shutdown(context.Background())
					rt.shutdown(context.Background())
					return err
				}
			}

			summaryCh, cancelWatch := rt.manager.WatchSummary()
			defer cancelWatch()

			for {
				select {
				case summary := <-summaryCh:
					slog.Info("session summary changed", logging.Status(summary.String()))
				case <-shutdownCtx.Done():
					shutdownTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancelTimeout()
					if err := metricsServer.Shutdown(shutdownTimeout); err != nil {
						cmd.PrintErrf("metrics server shutdown: %v\n", err)
					}
					rt.shutdown(shutdownTimeout)
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&username, "username", "", "Account to log in on startup")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics server address. Can also use METRICS_ADDR env var.")
	return cmd
}
