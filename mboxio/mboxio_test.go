package mboxio

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

var frameDate = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func sampleMessage(subject, body string) string {
	return "From: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		body + "\r\n"
}

func TestWriteFrameSentinel(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, "alice@example.com", frameDate, strings.NewReader(sampleMessage("hi", "hello")))
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	out := buf.String()
	wantPrefix := "From alice@example.com Fri, 01 Mar 2024 12:30:00 UTC\r\n"
	if !strings.HasPrefix(out, wantPrefix) {
		t.Fatalf("output starts with %q, want prefix %q", out[:min(len(out), 60)], wantPrefix)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Fatal("frame must end with a terminating blank line")
	}
}

func TestWriteFrameQuotesFromLines(t *testing.T) {
	body := "first line\r\nFrom the archives\r\nlast line"
	var buf bytes.Buffer
	err := WriteFrame(&buf, PlaceholderSender, frameDate, strings.NewReader(sampleMessage("hi", body)))
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if !strings.Contains(buf.String(), "\r\n>From the archives\r\n") {
		t.Fatal("body line starting with 'From ' must be quoted with '>'")
	}
}

func TestWriteFrameNormalizesLineEndings(t *testing.T) {
	message := "From: a@example.com\nSubject: lf only\n\nbody line\n"
	var buf bytes.Buffer
	if err := WriteFrame(&buf, PlaceholderSender, frameDate, strings.NewReader(message)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	for _, line := range strings.SplitAfter(buf.String(), "\n") {
		if line == "" {
			continue
		}
		if !strings.HasSuffix(line, "\r\n") {
			t.Fatalf("line %q is not CRLF terminated", line)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	subjects := []string{"one", "two", "three"}
	for _, subject := range subjects {
		err := WriteFrame(&buf, "alice@example.com", frameDate, strings.NewReader(sampleMessage(subject, "body of "+subject)))
		if err != nil {
			t.Fatalf("WriteFrame(%s): %v", subject, err)
		}
	}

	reader := NewFrameReader(bytes.NewReader(buf.Bytes()))
	var got []string
	for {
		frame, ok := reader.Next()
		if !ok {
			break
		}
		if frame.Err != nil {
			t.Fatalf("frame %d: %v", frame.Ordinal, frame.Err)
		}
		if frame.Ordinal != len(got)+1 {
			t.Fatalf("ordinal = %d, want %d", frame.Ordinal, len(got)+1)
		}
		got = append(got, string(frame.Raw))
	}

	if len(got) != len(subjects) {
		t.Fatalf("read %d frames, want %d", len(got), len(subjects))
	}
	for i, subject := range subjects {
		if !strings.Contains(got[i], "Subject: "+subject) {
			t.Errorf("frame %d missing subject %q", i+1, subject)
		}
	}
	if reader.Offset() != int64(buf.Len()) {
		t.Errorf("offset = %d, want %d", reader.Offset(), buf.Len())
	}
}

func TestNextAfterExhaustion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, PlaceholderSender, frameDate, strings.NewReader(sampleMessage("only", "body"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	reader := NewFrameReader(&buf)
	if _, ok := reader.Next(); !ok {
		t.Fatal("expected one frame")
	}
	for i := 0; i < 3; i++ {
		if _, ok := reader.Next(); ok {
			t.Fatal("exhausted reader must keep returning ok=false")
		}
	}
}

func TestCountFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		if err := WriteFrame(&buf, PlaceholderSender, frameDate, strings.NewReader(sampleMessage("n", "body"))); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	count, err := CountFrames(&buf)
	if err != nil {
		t.Fatalf("CountFrames: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
}

func TestCountFramesEmpty(t *testing.T) {
	count, err := CountFrames(strings.NewReader(""))
	if err != nil {
		t.Fatalf("CountFrames: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}
