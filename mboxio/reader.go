package mboxio

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	mboxlib "github.com/emersion/go-mbox"
)

// FrameResult is one item of the frame sequence. A non-nil Err means the
// underlying stream failed while that frame was being read; such errors are
// fatal to the whole stream, unlike MIME-level parse failures which the
// consumer handles per frame.
type FrameResult struct {
	Ordinal int
	Raw     []byte
	Err     error
}

// FrameReader yields raw frames from a canonical stream one at a time. The
// sequence is lazy, finite and non-restartable; memory use is bounded by the
// largest single frame.
type FrameReader struct {
	inner   *mboxlib.Reader
	counter *countingReader
	ordinal int
	done    bool
}

func NewFrameReader(r io.Reader) *FrameReader {
	counter := &countingReader{r: r}
	return &FrameReader{
		inner:   mboxlib.NewReader(counter),
		counter: counter,
	}
}

// Next returns the next frame. ok is false once the stream is exhausted.
func (fr *FrameReader) Next() (result FrameResult, ok bool) {
	if fr.done {
		return FrameResult{}, false
	}

	msg, err := fr.inner.NextMessage()
	if errors.Is(err, io.EOF) {
		fr.done = true
		return FrameResult{}, false
	}

	fr.ordinal++
	if err != nil {
		fr.done = true
		return FrameResult{Ordinal: fr.ordinal, Err: fmt.Errorf("frame %d: %w", fr.ordinal, err)}, true
	}

	raw, err := io.ReadAll(msg)
	if err != nil {
		fr.done = true
		return FrameResult{Ordinal: fr.ordinal, Err: fmt.Errorf("frame %d read: %w", fr.ordinal, err)}, true
	}

	return FrameResult{Ordinal: fr.ordinal, Raw: raw}, true
}

// Offset reports how many bytes have been consumed from the underlying
// stream. It is monotonically non-decreasing and may run slightly ahead of
// the last yielded frame because of internal buffering.
func (fr *FrameReader) Offset() int64 {
	return fr.counter.offset()
}

// CountFrames consumes the stream and reports how many frames it holds.
func CountFrames(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)
	count := 0
	for {
		msg, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("frame %d: %w", count+1, err)
		}
		if _, err := io.Copy(io.Discard, msg); err != nil {
			return count, fmt.Errorf("frame %d: %w", count+1, err)
		}
		count++
	}
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) offset() int64 {
	return c.n.Load()
}
