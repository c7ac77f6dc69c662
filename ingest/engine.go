// Package ingest consumes a canonical mbox stream and persists normalized
// messages in batches. Message-level parse failures are isolated; stream
// I/O failures abort the job.
package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/evermail/ingest/blob"
	"github.com/evermail/ingest/filter"
	"github.com/evermail/ingest/mboxio"
	"github.com/evermail/ingest/model"
	"github.com/evermail/ingest/stats"
)

// DefaultBatchSize is how many normalized messages accumulate before a flush.
const DefaultBatchSize = 500

// Repository is the persistence capability the engine consumes.
type Repository interface {
	SaveBatch(ctx context.Context, jobID, mailboxID string, messages []model.NormalizedMessage) error
	UpdateJobProgress(ctx context.Context, jobID string, progress model.ProcessingProgress) error
	ExistingHashes(ctx context.Context, mailboxID string) (map[string]struct{}, error)
}

type Engine struct {
	logger    *slog.Logger
	repo      Repository
	blobs     blob.Writer
	sink      stats.Sink
	filter    *filter.Filter
	batchSize int
}

func NewEngine(logger *slog.Logger, repo Repository, blobs blob.Writer, sink stats.Sink, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	return &Engine{
		logger:    logger,
		repo:      repo,
		blobs:     blobs,
		sink:      sink,
		batchSize: batchSize,
	}
}

// SetFilter installs an optional frame filter. Filtered frames are counted
// but never parsed or persisted.
func (e *Engine) SetFilter(f *filter.Filter) {
	e.filter = f
}

// Run drains the canonical stream for one job. It returns the final
// accumulator; a non-nil error means the stream itself failed and the job
// must be marked Failed. Progress committed before the failure stays
// committed.
func (e *Engine) Run(ctx context.Context, job *model.Job, stream io.Reader) (progress model.ProcessingProgress, err error) {
	seen, err := e.repo.ExistingHashes(ctx, job.MailboxID)
	if err != nil {
		return model.ProcessingProgress{}, fmt.Errorf("load existing hashes: %w", err)
	}

	frames := mboxio.NewFrameReader(stream)
	batch := make([]model.NormalizedMessage, 0, e.batchSize)

	// Whatever is still in the batch when an error surfaces never reached
	// SaveBatch; its attachment blobs must not outlive the rows.
	defer func() {
		if err != nil {
			e.discardAttachmentBlobs(context.WithoutCancel(ctx), batch)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		frame, ok := frames.Next()
		if !ok {
			break
		}
		if frame.Err != nil {
			return progress, frame.Err
		}

		if e.filter != nil {
			header, body := filter.SplitFrame(frame.Raw)
			if !e.filter.Allows(header, body) {
				progress.FilteredMessages++
				e.sink.Emit(stats.Event{Type: stats.EventTypeFiltered, Ordinal: frame.Ordinal})
				continue
			}
		}

		msg, err := parseFrame(frame.Raw)
		if err != nil {
			progress.FailedMessages++
			e.sink.Emit(stats.Event{Type: stats.EventTypeParseFailed, Ordinal: frame.Ordinal, Err: err})
			e.logger.Warn("message failed to parse", "jobID", job.ID, "ordinal", frame.Ordinal, "err", err)
			continue
		}

		msg.ContentHash = contentHash(job.MailboxID, &msg)
		key := hex.EncodeToString(msg.ContentHash)
		if _, dup := seen[key]; dup {
			progress.DuplicateMessages++
			e.sink.Emit(stats.Event{Type: stats.EventTypeDuplicate, Ordinal: frame.Ordinal})
			continue
		}
		seen[key] = struct{}{}

		if err := e.materializeAttachments(ctx, job, &msg); err != nil {
			return progress, fmt.Errorf("materialize attachments: %w", err)
		}

		progress.ProcessedMessages++
		e.sink.Emit(stats.Event{Type: stats.EventTypeParsed, Ordinal: frame.Ordinal})
		batch = append(batch, msg)

		if len(batch) >= e.batchSize {
			if err := e.flush(ctx, job, &batch, &progress, frames.Offset()); err != nil {
				return progress, err
			}
		}
	}

	if len(batch) > 0 {
		if err := e.flush(ctx, job, &batch, &progress, frames.Offset()); err != nil {
			return progress, err
		}
	}

	progress.TotalMessages = progress.ProcessedMessages + progress.FailedMessages +
		progress.DuplicateMessages + progress.FilteredMessages
	progress.ProcessedBytes = frames.Offset()
	if err := e.repo.UpdateJobProgress(ctx, job.ID, progress); err != nil {
		return progress, fmt.Errorf("write final progress: %w", err)
	}
	return progress, nil
}

func (e *Engine) flush(ctx context.Context, job *model.Job, batch *[]model.NormalizedMessage, progress *model.ProcessingProgress, offset int64) error {
	if err := e.repo.SaveBatch(ctx, job.ID, job.MailboxID, *batch); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	// The rows are committed; truncating here keeps the deferred blob
	// cleanup away from attachments that now have owners.
	size := len(*batch)
	*batch = (*batch)[:0]

	if offset > progress.ProcessedBytes {
		progress.ProcessedBytes = offset
	}
	if err := e.repo.UpdateJobProgress(ctx, job.ID, *progress); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	e.sink.Emit(stats.Event{Type: stats.EventTypeBatchFlushed, BatchSize: size, Bytes: progress.ProcessedBytes})
	return nil
}

// discardAttachmentBlobs best-effort removes blobs belonging to messages
// whose rows never committed.
func (e *Engine) discardAttachmentBlobs(ctx context.Context, batch []model.NormalizedMessage) {
	for _, msg := range batch {
		for _, att := range msg.Attachments {
			if att.BlobPath == "" {
				continue
			}
			if err := e.blobs.Remove(ctx, att.BlobPath); err != nil {
				e.logger.Warn("orphan attachment blob not removed", "blob", att.BlobPath, "err", err)
			}
		}
	}
}

// materializeAttachments writes decoded attachment payloads to the blob
// store and replaces in-memory content with the resulting paths. Blob store
// failures are environmental and fail the job.
func (e *Engine) materializeAttachments(ctx context.Context, job *model.Job, msg *model.NormalizedMessage) error {
	if len(msg.Attachments) == 0 {
		return nil
	}

	messageUID := uuid.NewString()
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		blobPath := path.Join("attachments", job.TenantID, job.MailboxID, messageUID,
			fmt.Sprintf("%d-%s", i, sanitizeFileName(att.FileName)))

		n, err := e.blobs.Put(ctx, blobPath, bytes.NewReader(att.Content))
		if err != nil {
			return fmt.Errorf("store attachment %s: %w", att.FileName, err)
		}
		att.BlobPath = blobPath
		att.SizeBytes = n
		att.Content = nil
	}
	return nil
}

func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\x00':
			return '_'
		default:
			return r
		}
	}, name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}
