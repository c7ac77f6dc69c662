package model

// ProcessingProgress is the running accumulator for one ingestion job. It is
// passed into each batch flush and returned updated; the job-progress write
// in the repository is the only side effect of a flush.
//
// ProcessedBytes never decreases, and ProcessedMessages+FailedMessages never
// exceeds the number of frames actually read from the canonical stream.
type ProcessingProgress struct {
	// TotalMessages is unknown until the stream has been fully consumed.
	TotalMessages     int
	ProcessedMessages int
	FailedMessages    int
	DuplicateMessages int
	FilteredMessages  int
	ProcessedBytes    int64
}
