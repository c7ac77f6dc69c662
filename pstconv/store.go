// Package pstconv converts a proprietary PST/OST mail store into the
// canonical mbox framing. Folder traversal is iterative and both folders and
// individual messages are isolated: one bad folder or message is logged and
// skipped without aborting the conversion.
package pstconv

import "time"

// Store is the read view of an opened mail store. The production
// implementation is backed by a PST reader; tests use in-memory fakes.
type Store interface {
	RootFolder() (Folder, error)
	Close() error
}

// Folder is one node of the store's folder hierarchy.
type Folder interface {
	Name() string
	SubFolders() ([]Folder, error)
	Messages() (MessageIterator, error)
}

// MessageIterator walks a folder's messages one at a time.
type MessageIterator interface {
	Next() bool
	Message() Message
	Err() error
}

// Message exposes the store fields needed to rebuild a MIME message.
type Message interface {
	Subject() string
	// Date returns false when the store carries no delivery time.
	Date() (time.Time, bool)
	SenderName() string
	SenderAddress() string
	// Recipients returns the structured recipient table, or nil when the
	// store only carries the raw display strings.
	Recipients() []Recipient
	// DisplayTo and DisplayCc are semicolon-delimited fallback lists used
	// when no structured recipients exist.
	DisplayTo() string
	DisplayCc() string
	BodyText() string
	BodyHTML() string
	Attachments() ([]AttachmentData, error)
}

// RecipientType classifies a structured recipient entry.
type RecipientType int

const (
	RecipientTo RecipientType = iota
	RecipientCc
	RecipientBcc
)

type Recipient struct {
	Name    string
	Address string
	Type    RecipientType
}

// AttachmentData is one extracted file attachment. A non-empty ContentID
// marks the attachment as inline.
type AttachmentData struct {
	FileName  string
	MimeTag   string
	ContentID string
	Content   []byte
}
