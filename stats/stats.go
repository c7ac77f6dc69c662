package stats

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeParsed       EventType = "parsed"
	EventTypeParseFailed  EventType = "parse_failed"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeFiltered     EventType = "filtered"
	EventTypeBatchFlushed EventType = "batch_flushed"
)

// Event is one observation emitted by the ingestion engine. Batch events
// carry the byte offset reached when the batch committed.
type Event struct {
	Type      EventType
	Ordinal   int
	BatchSize int
	Bytes     int64
	Err       error
}

type Summary struct {
	Parsed     int
	Failed     int
	Duplicates int
	Filtered   int
	Batches    int
	Bytes      int64
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"parsed", s.Parsed,
		"failed", s.Failed,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"batches", s.Batches,
		"bytes", s.Bytes,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Sink receives engine events.
type Sink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// Collector aggregates events into a Summary. It is safe for concurrent use
// so one collector can serve several subscribers (progress bar, reporter).
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeParsed:
		c.summary.Parsed++
	case EventTypeParseFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeBatchFlushed:
		c.summary.Batches++
		if evt.Bytes > c.summary.Bytes {
			c.summary.Bytes = evt.Bytes
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Fanout forwards each event to every registered sink in order.
type Fanout []Sink

func (f Fanout) Emit(evt Event) {
	for _, sink := range f {
		sink.Emit(evt)
	}
}

// Reporter logs a final summary when the run finishes.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(collector *Collector, logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: collector,
		logger:    logger,
		started:   time.Now(),
	}
}

func (r *Reporter) Report() Summary {
	summary := r.collector.Snapshot()
	if r.logger != nil {
		attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
		r.logger.Info("ingestion summary", attrs...)
	}
	return summary
}
