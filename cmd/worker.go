package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evermail/ingest/config"
	"github.com/evermail/ingest/ingest"
	"github.com/evermail/ingest/stats"
	"github.com/evermail/ingest/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		logger, logCleanup, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = logCleanup()
		}()
		slog.SetDefault(logger)

		d, cleanup, err := buildDeps(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		collector := stats.NewCollector()
		reporter := stats.NewReporter(collector, logger)

		engine := ingest.NewEngine(logger, d.repo, d.blobs, collector, cfg.BatchSize)
		w := worker.New(logger, d.repo, d.normalizer, engine, d.keys, worker.Options{
			Concurrency:  cfg.Concurrency,
			Drain:        cfg.Drain,
			PollInterval: cfg.PollInterval,
		})

		logger.Info("worker started", "concurrency", cfg.Concurrency, "drain", cfg.Drain)
		err = w.Run(ctx)
		reporter.Report()
		if errors.Is(err, context.Canceled) {
			logger.Info("worker stopped")
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
