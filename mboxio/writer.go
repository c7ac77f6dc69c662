// Package mboxio reads and writes the canonical mbox framing every archive
// is normalized into: a "From <addr> <date>" sentinel line, the message body
// with CRLF line endings and mbox quoting, and one terminating blank line.
package mboxio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// PlaceholderSender is used in the sentinel line when a message carries no
// parseable sender address.
const PlaceholderSender = "MAILER-DAEMON"

// WriteFrame serializes one message into a canonical frame. Every line of
// the body is rewritten with CRLF endings, and in-body lines that start with
// the literal "From " are quoted with ">" so they cannot be mistaken for a
// frame boundary.
func WriteFrame(w io.Writer, sender string, date time.Time, message io.Reader) error {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		sender = PlaceholderSender
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}

	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := fmt.Fprintf(bw, "From %s %s\r\n", sender, date.UTC().Format(time.RFC1123)); err != nil {
		return fmt.Errorf("write frame sentinel: %w", err)
	}

	br := bufio.NewReader(message)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			if strings.HasPrefix(line, "From ") {
				if err := bw.WriteByte('>'); err != nil {
					return fmt.Errorf("write frame body: %w", err)
				}
			}
			if _, err := bw.WriteString(line); err != nil {
				return fmt.Errorf("write frame body: %w", err)
			}
			if _, err := bw.WriteString("\r\n"); err != nil {
				return fmt.Errorf("write frame body: %w", err)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read message for framing: %w", err)
		}
	}

	if _, err := bw.WriteString("\r\n"); err != nil {
		return fmt.Errorf("terminate frame: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
