package ingest

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/evermail/ingest/model"
)

const snippetMaxRunes = 200

// parseFrame maps one raw frame to a normalized message. Errors here are
// per-message: the caller records the failure and moves on.
func parseFrame(raw []byte) (model.NormalizedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return model.NormalizedMessage{}, fmt.Errorf("read message: %w", err)
	}

	var msg model.NormalizedMessage
	header := mr.Header

	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	}
	if id, err := header.MessageID(); err == nil {
		msg.MessageID = id
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.Date = date.UTC()
	} else {
		msg.Date = time.Now().UTC()
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromAddress = from[0].Address
		msg.FromName = from[0].Name
	}
	msg.ToAddresses = addressStrings(header, "To")
	msg.CcAddresses = addressStrings(header, "Cc")
	msg.BccAddresses = addressStrings(header, "Bcc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed trailing part does not discard what already
			// parsed.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch strings.ToLower(contentType) {
			case "text/plain":
				if msg.TextBody == "" {
					msg.TextBody = string(body)
				}
			case "text/html":
				if msg.HTMLBody == "" {
					msg.HTMLBody = string(body)
				}
			default:
				// Non-text inline parts are embedded content such as
				// images referenced from the HTML body.
				msg.Attachments = append(msg.Attachments, model.Attachment{
					FileName:    inlineFileName(contentType),
					ContentType: contentType,
					SizeBytes:   int64(len(body)),
					IsInline:    true,
					ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
					Content:     body,
				})
			}
		case *mail.AttachmentHeader:
			contentType, _, _ := h.ContentType()
			fileName, _ := h.Filename()
			if fileName == "" {
				fileName = "attachment"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, model.Attachment{
				FileName:    fileName,
				ContentType: contentType,
				SizeBytes:   int64(len(body)),
				ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
				Content:     body,
			})
		}
	}

	msg.AttachmentCount = len(msg.Attachments)
	msg.HasAttachments = msg.AttachmentCount > 0
	msg.Snippet = deriveSnippet(msg.TextBody)
	return msg, nil
}

func addressStrings(header mail.Header, field string) []string {
	list, err := header.AddressList(field)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}

func inlineFileName(contentType string) string {
	if idx := strings.IndexByte(contentType, '/'); idx > 0 && idx < len(contentType)-1 {
		return "inline." + contentType[idx+1:]
	}
	return "inline"
}

// deriveSnippet collapses all whitespace runs to single spaces and truncates
// to at most 200 characters.
func deriveSnippet(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= snippetMaxRunes {
		return collapsed
	}
	return string(runes[:snippetMaxRunes])
}

// contentHash digests the normalized identity of a message within a mailbox.
// Two uploads of the same export produce identical hashes, so duplicates can
// be suppressed without comparing full bodies row by row.
func contentHash(mailboxID string, msg *model.NormalizedMessage) []byte {
	h := sha256.New()
	for _, field := range []string{
		mailboxID,
		msg.MessageID,
		msg.Subject,
		msg.Date.UTC().Format(time.RFC3339),
		msg.FromAddress,
		msg.Snippet,
		msg.TextBody,
		msg.HTMLBody,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0x1f})
	}
	return h.Sum(nil)
}
