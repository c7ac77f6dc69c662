package stats

import (
	"errors"
	"testing"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector()

	c.Emit(Event{Type: EventTypeParsed, Ordinal: 1})
	c.Emit(Event{Type: EventTypeParsed, Ordinal: 2})
	c.Emit(Event{Type: EventTypeParseFailed, Ordinal: 3, Err: errors.New("bad header")})
	c.Emit(Event{Type: EventTypeDuplicate, Ordinal: 4})
	c.Emit(Event{Type: EventTypeFiltered, Ordinal: 5})
	c.Emit(Event{Type: EventTypeBatchFlushed, BatchSize: 2, Bytes: 1024})
	c.Emit(Event{Type: EventTypeBatchFlushed, BatchSize: 1, Bytes: 2048})

	s := c.Snapshot()
	if s.Parsed != 2 {
		t.Errorf("parsed = %d, want 2", s.Parsed)
	}
	if s.Failed != 1 {
		t.Errorf("failed = %d, want 1", s.Failed)
	}
	if s.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", s.Duplicates)
	}
	if s.Filtered != 1 {
		t.Errorf("filtered = %d, want 1", s.Filtered)
	}
	if s.Batches != 2 {
		t.Errorf("batches = %d, want 2", s.Batches)
	}
	if s.Bytes != 2048 {
		t.Errorf("bytes = %d, want 2048", s.Bytes)
	}
	if s.LastError == nil {
		t.Error("last error should be recorded")
	}
}

func TestBytesNeverDecrease(t *testing.T) {
	c := NewCollector()
	c.Emit(Event{Type: EventTypeBatchFlushed, Bytes: 4096})
	c.Emit(Event{Type: EventTypeBatchFlushed, Bytes: 1024})

	if got := c.Snapshot().Bytes; got != 4096 {
		t.Fatalf("bytes = %d, want 4096", got)
	}
}

func TestFanout(t *testing.T) {
	first := NewCollector()
	second := NewCollector()
	sinks := Fanout{first, second, NopSink{}}

	sinks.Emit(Event{Type: EventTypeParsed})

	if first.Snapshot().Parsed != 1 || second.Snapshot().Parsed != 1 {
		t.Fatal("all sinks must receive the event")
	}
}
