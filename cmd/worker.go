package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/application"
	"github.com/khanhnv2901/securiscan/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued scan jobs",
	Long: `Runs the scan worker pool against the configured queue until interrupted.
Recurring scans are fired by "serve"; run any number of workers beside it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx := getAppContext(cmd)
		logger := appCtx.Logger

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		container, err := application.NewContainer(ctx, appCtx.Config.containerConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize services: %w", err)
		}
		defer closeContainer(container, logger)

		poolCfg := workerConfig(cmd, appCtx.Config)
		fmt.Fprintf(cmd.OutOrStdout(), "%s Worker started (concurrency %d, %d jobs per %s)\n",
			colorInfo("→"), poolCfg.Concurrency, poolCfg.RateMax, poolCfg.RateWindow)
		fmt.Fprintf(cmd.OutOrStdout(), "%s Press Ctrl+C to gracefully shutdown\n", colorInfo("→"))

		if err := container.NewWorkerPool(poolCfg).Run(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Worker shutdown complete\n", colorInfo("✓"))
		return nil
	},
}

func init() {
	addWorkerFlags(workerCmd)
}

func addWorkerFlags(cmd *cobra.Command) {
	defaults := worker.DefaultConfig()
	cmd.Flags().Int("concurrency", defaults.Concurrency, "Jobs processed at once")
	cmd.Flags().Int("rate-max", defaults.RateMax, "Jobs started per rate window")
	cmd.Flags().Duration("rate-window", defaults.RateWindow, "Window for --rate-max")
}

// workerConfig resolves pool settings: explicit flags win over config values.
func workerConfig(cmd *cobra.Command, cfg *AppConfig) worker.Config {
	flags := cmd.Flags()
	out := worker.DefaultConfig()
	out.Concurrency, _ = flags.GetInt("concurrency")
	out.RateMax, _ = flags.GetInt("rate-max")
	out.RateWindow, _ = flags.GetDuration("rate-window")

	applyIntDefault(flags, "concurrency", cfg.Worker.Concurrency, func(v int) { out.Concurrency = v })
	applyIntDefault(flags, "rate-max", cfg.Worker.RateMax, func(v int) { out.RateMax = v })
	applyDurationDefault(flags, "rate-window", cfg.Worker.RateWindow, func(v time.Duration) { out.RateWindow = v })
	return out
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func closeContainer(container *application.Container, logger *zap.Logger) {
	if err := container.Close(); err != nil {
		logger.Warn("failed to close services", zap.Error(err))
	}
}
