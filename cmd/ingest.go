package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evermail/ingest/config"
	"github.com/evermail/ingest/filter"
	"github.com/evermail/ingest/ingest"
	"github.com/evermail/ingest/model"
	"github.com/evermail/ingest/progress"
	"github.com/evermail/ingest/stats"
	"github.com/evermail/ingest/worker"
)

var (
	ingestTenantID  string
	ingestMailboxID string
	ingestFormat    string
	ingestFileName  string
	includeHeader   []string
	includeBody     []string
	excludeHeader   []string
	excludeBody     []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [blob path]",
	Short: "Ingest one archive from the blob store into a mailbox",
	Args:  cobra.ExactArgs(1),
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

		blobPath := args[0]
		fileName := ingestFileName
		if fileName == "" {
			fileName = path.Base(blobPath)
		}

		job := &model.Job{
			TenantID:     ingestTenantID,
			MailboxID:    ingestMailboxID,
			BlobPath:     blobPath,
			FileName:     fileName,
			SourceFormat: ingestFormat,
			PlanMaxBytes: cfg.PlanMaxBytes(),
		}
		if err := d.repo.CreateJob(ctx, job); err != nil {
			return err
		}
		claimed, err := d.repo.ClaimJob(ctx, job.ID)
		if err != nil {
			return err
		}
		logger.Info("starting ingestion", "jobID", claimed.ID, "blob", blobPath, "format", ingestFormat)

		collector := stats.NewCollector()
		reporter := stats.NewReporter(collector, logger)
		bar := progress.New(cfg.LogLevel)

		frameFilter, err := filter.New(filter.Options{
			IncludeHeader: includeHeader,
			IncludeBody:   includeBody,
			ExcludeHeader: excludeHeader,
			ExcludeBody:   excludeBody,
		})
		if err != nil {
			return err
		}

		engine := ingest.NewEngine(logger, d.repo, d.blobs, stats.Fanout{collector, bar}, cfg.BatchSize)
		engine.SetFilter(frameFilter)
		w := worker.New(logger, d.repo, d.normalizer, engine, d.keys, worker.Options{
			OnNormalized: func(_ *model.Job, totalBytes int64) {
				bar.Start(totalBytes)
			},
		})

		err = w.ProcessJob(ctx, claimed)
		bar.Stop()
		reporter.Report()
		if err != nil {
			return err
		}

		final, err := d.repo.GetJob(ctx, claimed.ID)
		if err != nil {
			return err
		}
		if final.Status == model.StatusFailed {
			return fmt.Errorf("%s", final.ErrorMessage)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTenantID, "tenant", "default", "Tenant the mailbox belongs to")
	ingestCmd.Flags().StringVar(&ingestMailboxID, "mailbox", "", "Mailbox to ingest into")
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "auto-detect", "Archive format: mbox, mbox-zip, pst, pst-zip, eml, eml-zip or auto-detect")
	ingestCmd.Flags().StringVar(&ingestFileName, "file-name", "", "Original upload file name (defaults to the blob path base name)")
	ingestCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	ingestCmd.Flags().StringArrayVar(&includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	ingestCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	ingestCmd.Flags().StringArrayVar(&excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	_ = ingestCmd.MarkFlagRequired("mailbox")
	rootCmd.AddCommand(ingestCmd)
}
