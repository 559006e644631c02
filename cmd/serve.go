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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/api"
	"github.com/khanhnv2901/securiscan/internal/application"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API, the scan scheduler and an embedded worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx := getAppContext(cmd)
		logger := appCtx.Logger
		addr, _ := cmd.Flags().GetString("addr")
		authToken, _ := cmd.Flags().GetString("auth-token")
		shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
		corsOrigins, _ := cmd.Flags().GetStringSlice("cors-origins")
		rateLimit, _ := cmd.Flags().GetInt("rate-limit")
		rateBurst, _ := cmd.Flags().GetInt("rate-burst")
		embeddedWorker, _ := cmd.Flags().GetBool("worker")

		applyStringDefault(cmd.Flags(), "addr", appCtx.Config.Server.Addr, func(v string) { addr = v })
		applyStringDefault(cmd.Flags(), "auth-token", appCtx.Config.Server.AuthToken, func(v string) { authToken = v })

		signalCtx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(signalCtx)
		defer cancel()

		container, err := application.NewContainer(ctx, appCtx.Config.containerConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize services: %w", err)
		}
		defer closeContainer(container, logger)

		report, err := container.Scheduler.RestoreAllSchedules(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore schedules: %w", err)
		}
		logger.Info("schedules restored",
			zap.Int("registered", report.Registered),
			zap.Int("unchanged", report.Unchanged),
			zap.Int("removed", report.Removed),
			zap.Int("failed", report.Failed),
		)
		if err := container.Queue.StartRecurring(ctx); err != nil {
			return fmt.Errorf("failed to start recurring scans: %w", err)
		}

		poolDone := make(chan error, 1)
		if embeddedWorker {
			pool := container.NewWorkerPool(workerConfig(cmd, appCtx.Config))
			go func() {
				poolDone <- pool.Run(ctx)
			}()
		} else {
			close(poolDone)
		}

		server := api.NewServer(api.Config{
			Scans:       container.Scans,
			Schedules:   container.Scheduler,
			Jobs:        container.Queue,
			Health:      container,
			Metrics:     container.Metrics.Handler(),
			Observer:    container.Metrics,
			AuthToken:   authToken,
			Logger:      logger.Named("api"),
			CORSOrigins: corsOrigins,
			RateLimit:   rateLimit,
			RateBurst:   rateBurst,
		})
		defer server.Close()

		httpServer := &http.Server{
			Addr:         addr,
			Handler:      server,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			fmt.Printf("%s API server listening on %s\n", colorInfo("→"), addr)
			fmt.Printf("%s Press Ctrl+C to gracefully shutdown\n", colorInfo("→"))
			serverErrors <- httpServer.ListenAndServe()
		}()

		var runErr error
		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
			fmt.Printf("\n%s Received shutdown signal, initiating graceful shutdown...\n", colorInfo("→"))

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				if closeErr := httpServer.Close(); closeErr != nil {
					runErr = fmt.Errorf("failed to gracefully shutdown server: %w (close error: %v)", err, closeErr)
				} else {
					runErr = fmt.Errorf("failed to gracefully shutdown server: %w", err)
				}
			}
		}

		// Stop the pool and let in-flight jobs finish.
		cancel()
		if err := <-poolDone; err != nil && runErr == nil {
			runErr = err
		}
		if runErr == nil {
			fmt.Printf("%s Server shutdown complete\n", colorInfo("✓"))
		}
		return runErr
	},
}

func init() {
	serveCmd.Flags().String("addr", defaultServerAddr, "Address for the API server")
	serveCmd.Flags().String("auth-token", "", "Optional shared secret for API requests")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	serveCmd.Flags().StringSlice("cors-origins", []string{}, "Allowed CORS origins (empty = allow all)")
	serveCmd.Flags().Int("rate-limit", 10, "Rate limit per IP (requests/second, 0 = disabled)")
	serveCmd.Flags().Int("rate-burst", 20, "Rate limit burst size")
	serveCmd.Flags().Bool("worker", true, "Run a worker pool inside the API process")
	addWorkerFlags(serveCmd)
}
