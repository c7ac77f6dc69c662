// Package repository persists jobs, normalized messages and attachment
// metadata. Each batch save is one transaction; the ingestion engine treats
// it as a single atomic unit.
package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/evermail/ingest/model"
)

// ErrNoQueuedJobs is returned by ClaimNextJob when the queue is empty.
var ErrNoQueuedJobs = errors.New("no queued jobs")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	mailbox_id TEXT NOT NULL,
	blob_path TEXT NOT NULL,
	file_name TEXT NOT NULL,
	source_format TEXT NOT NULL DEFAULT 'auto-detect',
	plan_max_bytes INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'Pending',
	error_message TEXT NOT NULL DEFAULT '',
	total_messages INTEGER NOT NULL DEFAULT 0,
	processed_messages INTEGER NOT NULL DEFAULT 0,
	failed_messages INTEGER NOT NULL DEFAULT 0,
	processed_bytes INTEGER NOT NULL DEFAULT 0,
	wrapped_key TEXT NOT NULL DEFAULT '',
	key_algorithm TEXT NOT NULL DEFAULT '',
	provider_key_version TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	mailbox_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	date TIMESTAMP NOT NULL,
	from_address TEXT NOT NULL,
	from_name TEXT NOT NULL,
	to_addresses TEXT NOT NULL,
	cc_addresses TEXT NOT NULL,
	bcc_addresses TEXT NOT NULL,
	snippet TEXT NOT NULL,
	text_body TEXT NOT NULL,
	html_body TEXT NOT NULL,
	has_attachments INTEGER NOT NULL,
	attachment_count INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_mailbox_hash ON messages(mailbox_id, content_hash);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	is_inline INTEGER NOT NULL,
	content_id TEXT NOT NULL,
	blob_path TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

type SQLRepository struct {
	db *sqlx.DB
}

// Open connects to the sqlite database at path and bootstraps the schema.
func Open(path string) (*SQLRepository, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLRepository{db: db}, nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// CreateJob inserts a new job in Pending status and immediately queues it.
func (r *SQLRepository) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.StatusQueued
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, mailbox_id, blob_path, file_name, source_format,
			plan_max_bytes, status, created_at, updated_at)
		VALUES (:id, :tenant_id, :mailbox_id, :blob_path, :file_name, :source_format,
			:plan_max_bytes, :status, :created_at, :updated_at)`, job)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically moves the oldest Queued job to Processing and
// returns it. Only one worker can win a given job.
func (r *SQLRepository) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	for {
		var job model.Job
		err := r.db.GetContext(ctx, &job, `
			SELECT * FROM jobs WHERE status = ? ORDER BY created_at LIMIT 1`,
			model.StatusQueued)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoQueuedJobs
		}
		if err != nil {
			return nil, fmt.Errorf("select queued job: %w", err)
		}

		res, err := r.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			model.StatusProcessing, time.Now().UTC(), job.ID, model.StatusQueued)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if affected == 1 {
			job.Status = model.StatusProcessing
			return &job, nil
		}
		// Lost the race to another worker; try the next queued job.
	}
}

// ClaimJob moves one specific Queued job to Processing. It fails if the job
// is missing or no longer queued.
func (r *SQLRepository) ClaimJob(ctx context.Context, jobID string) (*model.Job, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.StatusProcessing, time.Now().UTC(), jobID, model.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if affected != 1 {
		return nil, fmt.Errorf("claim job %s: not queued", jobID)
	}
	return r.GetJob(ctx, jobID)
}

func (r *SQLRepository) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	if err := r.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = ?`, jobID); err != nil {
		return nil, fmt.Errorf("select job %s: %w", jobID, err)
	}
	return &job, nil
}

// StoreWrappedKey persists the wrapped data-encryption key generated for
// this upload. The plaintext key is never stored.
func (r *SQLRepository) StoreWrappedKey(ctx context.Context, jobID, wrappedKey, algorithm, providerKeyVersion string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET wrapped_key = ?, key_algorithm = ?, provider_key_version = ?, updated_at = ?
		WHERE id = ?`,
		wrappedKey, algorithm, providerKeyVersion, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("store wrapped key: %w", err)
	}
	return nil
}

// SaveBatch persists a batch of messages and their attachment metadata in
// one transaction.
func (r *SQLRepository) SaveBatch(ctx context.Context, jobID, mailboxID string, messages []model.NormalizedMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range messages {
		msg := &messages[i]
		msgRowID := uuid.NewString()

		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, job_id, mailbox_id, message_id, subject, date,
				from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
				snippet, text_body, html_body, has_attachments, attachment_count,
				content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msgRowID, jobID, mailboxID, msg.MessageID, msg.Subject, msg.Date,
			msg.FromAddress, msg.FromName,
			jsonList(msg.ToAddresses), jsonList(msg.CcAddresses), jsonList(msg.BccAddresses),
			msg.Snippet, msg.TextBody, msg.HTMLBody,
			msg.HasAttachments, msg.AttachmentCount,
			hex.EncodeToString(msg.ContentHash), now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		for _, att := range msg.Attachments {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, message_id, file_name, content_type,
					size_bytes, is_inline, content_id, blob_path, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), msgRowID, att.FileName, att.ContentType,
				att.SizeBytes, att.IsInline, att.ContentID, att.BlobPath, now)
			if err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// UpdateJobProgress writes the accumulator state after a committed batch.
func (r *SQLRepository) UpdateJobProgress(ctx context.Context, jobID string, progress model.ProcessingProgress) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET processed_messages = ?, failed_messages = ?, processed_bytes = ?, updated_at = ?
		WHERE id = ?`,
		progress.ProcessedMessages, progress.FailedMessages, progress.ProcessedBytes,
		time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// FinalizeJob writes the terminal status and final statistics. Illegal
// transitions (finalizing an already terminal job) are rejected.
func (r *SQLRepository) FinalizeJob(ctx context.Context, jobID string, status model.JobStatus, totalMessages int, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize job %s: %s is not a terminal status", jobID, status)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, total_messages = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		status, totalMessages, errorMessage, time.Now().UTC(),
		jobID, model.StatusCompleted, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finalize job %s: job missing or already terminal", jobID)
	}
	return nil
}

// ExistingHashes returns the content hashes already ingested into a mailbox,
// used to suppress duplicates across uploads.
func (r *SQLRepository) ExistingHashes(ctx context.Context, mailboxID string) (map[string]struct{}, error) {
	var hashes []string
	err := r.db.SelectContext(ctx, &hashes, `
		SELECT content_hash FROM messages WHERE mailbox_id = ? AND content_hash != ''`,
		mailboxID)
	if err != nil {
		return nil, fmt.Errorf("select existing hashes: %w", err)
	}

	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set, nil
}

func jsonList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
