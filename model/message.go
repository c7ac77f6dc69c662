package model

import "time"

// NormalizedMessage is one email message mapped out of a canonical mbox
// frame. It is created by the ingestion engine and never mutated afterwards.
type NormalizedMessage struct {
	MessageID   string
	Subject     string
	Date        time.Time
	FromAddress string
	FromName    string

	ToAddresses  []string
	CcAddresses  []string
	BccAddresses []string

	TextBody string
	HTMLBody string

	// Snippet is at most 200 characters of the text body with newlines
	// collapsed to spaces and surrounding whitespace trimmed.
	Snippet string

	HasAttachments  bool
	AttachmentCount int
	Attachments     []Attachment

	// ContentHash is a SHA-256 digest used for duplicate suppression.
	ContentHash []byte
}

// Attachment is owned by its NormalizedMessage. Content is the decoded
// attachment payload; it is handed to the blob store and not persisted in
// the relational repository.
type Attachment struct {
	FileName    string
	ContentType string
	SizeBytes   int64
	IsInline    bool
	ContentID   string
	Content     []byte

	// BlobPath is filled in once the content has been materialized to the
	// blob store.
	BlobPath string
}
