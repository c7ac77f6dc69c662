package model

import "time"

// JobStatus describes the lifecycle of one ingestion job. Transitions are
// strictly forward; Completed and Failed are terminal.
type JobStatus string

const (
	StatusPending    JobStatus = "Pending"
	StatusQueued     JobStatus = "Queued"
	StatusProcessing JobStatus = "Processing"
	StatusCompleted  JobStatus = "Completed"
	StatusFailed     JobStatus = "Failed"
)

var statusRank = map[JobStatus]int{
	StatusPending:    0,
	StatusQueued:     1,
	StatusProcessing: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
}

// CanTransition reports whether moving from one status to the next is a
// legal forward transition.
func (s JobStatus) CanTransition(next JobStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s == StatusCompleted || s == StatusFailed {
		return false
	}
	return to > from
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one upload queued for ingestion. The wrapped data-encryption key is
// generated once per upload by the key-wrapping collaborator and persisted
// here; the plaintext key never touches the job record.
type Job struct {
	ID        string `db:"id"`
	TenantID  string `db:"tenant_id"`
	MailboxID string `db:"mailbox_id"`

	BlobPath     string `db:"blob_path"`
	FileName     string `db:"file_name"`
	SourceFormat string `db:"source_format"`
	PlanMaxBytes int64  `db:"plan_max_bytes"`

	Status       JobStatus `db:"status"`
	ErrorMessage string    `db:"error_message"`

	TotalMessages     int   `db:"total_messages"`
	ProcessedMessages int   `db:"processed_messages"`
	FailedMessages    int   `db:"failed_messages"`
	ProcessedBytes    int64 `db:"processed_bytes"`

	WrappedKey         string `db:"wrapped_key"`
	KeyAlgorithm       string `db:"key_algorithm"`
	ProviderKeyVersion string `db:"provider_key_version"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
