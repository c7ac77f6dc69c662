// Package cmd wires the CLI commands for the ingestion service.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/evermail/ingest/archive"
	"github.com/evermail/ingest/blob"
	"github.com/evermail/ingest/config"
	"github.com/evermail/ingest/keywrap"
	"github.com/evermail/ingest/repository"
)

var rootCmd = &cobra.Command{
	Use:   "evermail-ingest",
	Short: "Normalize email archives and ingest their messages",
	Long: "evermail-ingest accepts mbox, PST, OST and EML archives (plain or zipped), " +
		"converts them to a canonical mbox stream and ingests the messages into a mailbox.",
	SilenceUsage: true,
}

func Execute() {
	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// deps bundles the collaborators shared by the ingest and worker commands.
type deps struct {
	repo       *repository.SQLRepository
	blobs      *blob.Dir
	normalizer *archive.Service
	keys       keywrap.Provider
}

func buildDeps(cfg config.Config, logger *slog.Logger) (*deps, func(), error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}

	repo, err := repository.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	blobs, err := blob.NewDir(cfg.BlobRoot)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	keys, err := keywrap.NewLocalProvider(cfg.MasterKey, "")
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = repo.Close()
	}
	return &deps{
		repo:       repo,
		blobs:      blobs,
		normalizer: archive.NewService(logger, blobs, cfg.TempDir),
		keys:       keys,
	}, cleanup, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("evermail-ingest-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
