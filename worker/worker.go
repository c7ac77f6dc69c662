// Package worker claims queued jobs and drives them through normalization
// and ingestion. Job failures are recorded on the job; only infrastructure
// failures stop the worker itself.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evermail/ingest/archive"
	"github.com/evermail/ingest/ingest"
	"github.com/evermail/ingest/keywrap"
	"github.com/evermail/ingest/model"
	"github.com/evermail/ingest/repository"
)

const defaultPollInterval = 2 * time.Second

// JobStore is the job lifecycle capability the worker consumes.
type JobStore interface {
	ClaimNextJob(ctx context.Context) (*model.Job, error)
	FinalizeJob(ctx context.Context, jobID string, status model.JobStatus, totalMessages int, errorMessage string) error
	StoreWrappedKey(ctx context.Context, jobID, wrappedKey, algorithm, providerKeyVersion string) error
}

type Options struct {
	// Concurrency is the number of jobs processed in parallel. Each job
	// stays single-threaded; parallelism is across jobs only.
	Concurrency int

	// Drain stops the worker once the queue is empty instead of polling.
	Drain bool

	PollInterval time.Duration

	// OnNormalized runs after an archive has been normalized, before the
	// stream is ingested. Interactive callers hook progress rendering here.
	OnNormalized func(job *model.Job, totalBytes int64)
}

type Worker struct {
	logger     *slog.Logger
	jobs       JobStore
	normalizer *archive.Service
	engine     *ingest.Engine
	keys       keywrap.Provider
	opts       Options
}

func New(logger *slog.Logger, jobs JobStore, normalizer *archive.Service, engine *ingest.Engine, keys keywrap.Provider, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Worker{
		logger:     logger,
		jobs:       jobs,
		normalizer: normalizer,
		engine:     engine,
		keys:       keys,
		opts:       opts,
	}
}

// Run claims and processes jobs until the context is cancelled, or until the
// queue drains when Options.Drain is set.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := w.jobs.ClaimNextJob(ctx)
		if errors.Is(err, repository.ErrNoQueuedJobs) {
			if w.opts.Drain {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}

		if err := w.ProcessJob(ctx, job); err != nil {
			return err
		}
	}
}

// ProcessJob runs one claimed job to a terminal status. The returned error is
// nil when the job itself failed but the failure was recorded; it is non-nil
// only for infrastructure errors or cancellation.
func (w *Worker) ProcessJob(ctx context.Context, job *model.Job) error {
	logger := w.logger.With("jobID", job.ID, "mailboxID", job.MailboxID, "file", job.FileName)
	logger.Info("processing job", "format", job.SourceFormat)

	key, err := w.keys.GenerateDataKey(ctx)
	if err != nil {
		return fmt.Errorf("generate data key: %w", err)
	}
	clear(key.Plaintext)
	if err := w.jobs.StoreWrappedKey(ctx, job.ID, key.Wrapped.Wrapped, key.Wrapped.Algorithm, key.Wrapped.ProviderKeyVersion); err != nil {
		return fmt.Errorf("store wrapped key: %w", err)
	}

	progress, runErr := w.runPipeline(ctx, job)
	if runErr != nil {
		// A cancelled job is left in Processing so a later run can pick
		// it up again.
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			logger.Warn("job interrupted", "err", runErr)
			return runErr
		}

		logger.Error("job failed", "err", runErr)
		if err := w.jobs.FinalizeJob(ctx, job.ID, model.StatusFailed, progress.TotalMessages, runErr.Error()); err != nil {
			return fmt.Errorf("finalize failed job: %w", err)
		}
		return nil
	}

	if err := w.jobs.FinalizeJob(ctx, job.ID, model.StatusCompleted, progress.TotalMessages, ""); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	logger.Info("job completed",
		"total", progress.TotalMessages,
		"processed", progress.ProcessedMessages,
		"failed", progress.FailedMessages,
		"duplicates", progress.DuplicateMessages)
	return nil
}

func (w *Worker) runPipeline(ctx context.Context, job *model.Job) (model.ProcessingProgress, error) {
	result, err := w.normalizer.Normalize(ctx, job.SourceFormat, job.BlobPath, job.FileName, job.PlanMaxBytes)
	if err != nil {
		return model.ProcessingProgress{}, err
	}
	defer result.Cleanup()

	if w.opts.OnNormalized != nil {
		w.opts.OnNormalized(job, result.TotalBytes)
	}

	stream, err := result.OpenRead(ctx)
	if err != nil {
		return model.ProcessingProgress{}, fmt.Errorf("open normalized stream: %w", err)
	}
	defer stream.Close()

	return w.engine.Run(ctx, job, stream)
}
