// Package progress renders a byte-based progress bar for interactive runs.
package progress

import (
	"sync"

	"github.com/pterm/pterm"

	"github.com/evermail/ingest/stats"
)

// Bar tracks how much of the normalized stream has been consumed. It
// implements stats.Sink so the engine drives it through the same fanout as
// the collector. The total is only known once normalization finishes, so the
// bar starts rendering on Start.
type Bar struct {
	mu        sync.Mutex
	pb        *pterm.ProgressbarPrinter
	total     int64
	lastBytes int64
	enabled   bool
}

// New creates a progress bar that renders only when logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Start begins rendering over totalBytes of normalized stream.
func (b *Bar) Start(totalBytes int64) {
	if !b.enabled || totalBytes <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pb, _ := pterm.DefaultProgressbar.
		WithTotal(int(totalBytes)).
		WithTitle("Ingesting messages").
		Start()
	b.pb = pb
	b.total = totalBytes
}

func (b *Bar) Emit(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	switch evt.Type {
	case stats.EventTypeBatchFlushed:
		if evt.Bytes > b.lastBytes {
			b.pb.Add(int(evt.Bytes - b.lastBytes))
			b.lastBytes = evt.Bytes
		}
	case stats.EventTypeParseFailed:
		if evt.Err != nil {
			pterm.Warning.Printf("Message %d failed: %v\n", evt.Ordinal, evt.Err)
		}
	}
}

// Stop fills the bar to completion and releases the terminal.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	if int64(b.pb.Current) < b.total {
		b.pb.Current = int(b.total)
	}
	b.pb.Stop()
	pterm.Success.Println("Ingestion complete")
}
