package pstconv

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// buildMime rebuilds one store message as a MIME document and returns the
// sender address and date for the frame sentinel alongside the serialized
// bytes. Any failure here (including attachment extraction) skips just this
// message.
func buildMime(msg Message) (sender string, date time.Time, raw []byte, err error) {
	date, ok := msg.Date()
	if !ok {
		date = time.Now().UTC()
	}

	from := mailboxAddress(msg.SenderName(), msg.SenderAddress())
	sender = from.Address

	var header mail.Header
	header.SetDate(date)
	header.SetSubject(msg.Subject())
	header.SetMessageID(fmt.Sprintf("%s@pst.evermail.local", uuid.NewString()))
	header.SetAddressList("From", []*mail.Address{from})

	to, cc, bcc := recipientLists(msg)
	if len(to) > 0 {
		header.SetAddressList("To", to)
	}
	if len(cc) > 0 {
		header.SetAddressList("Cc", cc)
	}
	if len(bcc) > 0 {
		header.SetAddressList("Bcc", bcc)
	}

	attachments, err := msg.Attachments()
	if err != nil {
		return "", time.Time{}, nil, fmt.Errorf("extract attachments: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return "", time.Time{}, nil, fmt.Errorf("create mime writer: %w", err)
	}

	if err := writeBody(mw, msg.BodyText(), msg.BodyHTML()); err != nil {
		return "", time.Time{}, nil, err
	}
	for _, att := range attachments {
		if err := writeAttachment(mw, att); err != nil {
			return "", time.Time{}, nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return "", time.Time{}, nil, fmt.Errorf("finalize mime message: %w", err)
	}
	return sender, date, buf.Bytes(), nil
}

// writeBody prefers a plain+HTML multipart/alternative when both
// representations exist, falls back to whichever one does, and emits an
// empty plain-text part when neither does.
func writeBody(mw *mail.Writer, text, html string) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}

	writePart := func(contentType, body string) error {
		var h mail.InlineHeader
		h.Set("Content-Type", contentType)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		part, err := iw.CreatePart(h)
		if err != nil {
			return fmt.Errorf("create %s part: %w", contentType, err)
		}
		if _, err := io.WriteString(part, body); err != nil {
			part.Close()
			return fmt.Errorf("write %s part: %w", contentType, err)
		}
		return part.Close()
	}

	if text == "" && html == "" {
		if err := writePart("text/plain; charset=utf-8", ""); err != nil {
			return err
		}
		return iw.Close()
	}

	if text != "" {
		if err := writePart("text/plain; charset=utf-8", text); err != nil {
			return err
		}
	}
	if html != "" {
		if err := writePart("text/html; charset=utf-8", html); err != nil {
			return err
		}
	}
	return iw.Close()
}

func writeAttachment(mw *mail.Writer, att AttachmentData) error {
	fileName := strings.TrimSpace(att.FileName)
	if fileName == "" {
		fileName = "attachment"
	}

	var h mail.AttachmentHeader
	h.Set("Content-Type", resolveContentType(att.MimeTag))
	h.Set("Content-Transfer-Encoding", "base64")
	h.SetFilename(fileName)
	if att.ContentID != "" {
		h.Set("Content-Id", "<"+strings.Trim(att.ContentID, "<>")+">")
		h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": fileName}))
	}

	part, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", fileName, err)
	}
	if _, err := part.Write(att.Content); err != nil {
		part.Close()
		return fmt.Errorf("write attachment %s: %w", fileName, err)
	}
	return part.Close()
}

func recipientLists(msg Message) (to, cc, bcc []*mail.Address) {
	structured := msg.Recipients()
	if len(structured) > 0 {
		for _, r := range structured {
			addr := mailboxAddress(r.Name, r.Address)
			switch r.Type {
			case RecipientCc:
				cc = append(cc, addr)
			case RecipientBcc:
				bcc = append(bcc, addr)
			default:
				// Unrecognized recipient types are treated as To.
				to = append(to, addr)
			}
		}
		return to, cc, bcc
	}

	return splitDisplayList(msg.DisplayTo()), splitDisplayList(msg.DisplayCc()), nil
}

func splitDisplayList(raw string) []*mail.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []*mail.Address
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		out = append(out, mailboxAddress(entry, ""))
	}
	return out
}

// mailboxAddress builds a usable address from whatever sender/recipient
// fields the store carries, synthesizing a placeholder when neither the
// address nor the display name parses.
func mailboxAddress(name, address string) *mail.Address {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)

	if address != "" {
		if parsed, err := stdmail.ParseAddress(address); err == nil {
			if name != "" {
				return &mail.Address{Name: name, Address: parsed.Address}
			}
			return &mail.Address{Name: parsed.Name, Address: parsed.Address}
		}
	}
	if name != "" {
		if parsed, err := stdmail.ParseAddress(name); err == nil {
			return &mail.Address{Name: parsed.Name, Address: parsed.Address}
		}
	}

	display := name
	if display == "" {
		display = "Unknown Sender"
	}
	return &mail.Address{
		Name:    display,
		Address: fmt.Sprintf("unknown-%s@pst.local", uuid.NewString()),
	}
}

func resolveContentType(mimeTag string) string {
	mimeTag = strings.TrimSpace(mimeTag)
	if mimeTag != "" {
		if mediaType, params, err := mime.ParseMediaType(mimeTag); err == nil {
			return mime.FormatMediaType(mediaType, params)
		}
	}
	return "application/octet-stream"
}
