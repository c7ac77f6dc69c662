package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evermail/ingest/blob"
	"github.com/evermail/ingest/filter"
	"github.com/evermail/ingest/mboxio"
	"github.com/evermail/ingest/model"
	"github.com/evermail/ingest/stats"
)

type fakeRepo struct {
	batches        [][]model.NormalizedMessage
	progressWrites []model.ProcessingProgress
	existing       map[string]struct{}
	saveErr        error
}

func (r *fakeRepo) SaveBatch(_ context.Context, _, _ string, messages []model.NormalizedMessage) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	batch := make([]model.NormalizedMessage, len(messages))
	copy(batch, messages)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *fakeRepo) UpdateJobProgress(_ context.Context, _ string, progress model.ProcessingProgress) error {
	r.progressWrites = append(r.progressWrites, progress)
	return nil
}

func (r *fakeRepo) ExistingHashes(context.Context, string) (map[string]struct{}, error) {
	if r.existing == nil {
		return map[string]struct{}{}, nil
	}
	return r.existing, nil
}

func (r *fakeRepo) savedCount() int {
	total := 0
	for _, batch := range r.batches {
		total += len(batch)
	}
	return total
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func frameStream(t *testing.T, messages ...string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, msg := range messages {
		err := mboxio.WriteFrame(&buf, "sender@example.com", time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC), strings.NewReader(msg))
		require.NoError(t, err)
	}
	return &buf
}

func uniqueMessage(subject string) string {
	return "From: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2023 15:04:05 +0000\r\n" +
		"\r\n" +
		"body of " + subject + "\r\n"
}

func testJob() *model.Job {
	return &model.Job{
		ID:        "job-1",
		TenantID:  "tenant-1",
		MailboxID: "mailbox-1",
		Status:    model.StatusProcessing,
	}
}

func testEngine(t *testing.T, repo Repository, sink stats.Sink, batchSize int) *Engine {
	t.Helper()
	blobs, err := blob.NewDir(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(logger, repo, blobs, sink, batchSize)
}

func TestRunProcessesStreamInBatches(t *testing.T) {
	repo := &fakeRepo{}
	collector := stats.NewCollector()
	engine := testEngine(t, repo, collector, 2)

	stream := frameStream(t,
		uniqueMessage("one"),
		uniqueMessage("two"),
		"this line has no colon\r\n\r\nbody\r\n",
		uniqueMessage("three"),
	)
	streamLen := int64(stream.Len())

	progress, err := engine.Run(context.Background(), testJob(), stream)
	require.NoError(t, err)

	require.Equal(t, 3, progress.ProcessedMessages)
	require.Equal(t, 1, progress.FailedMessages)
	require.Equal(t, 4, progress.TotalMessages)
	require.Equal(t, streamLen, progress.ProcessedBytes)

	require.Equal(t, 2, len(repo.batches), "3 messages with batch size 2 need 2 flushes")
	require.Equal(t, 3, repo.savedCount())

	summary := collector.Snapshot()
	require.Equal(t, 3, summary.Parsed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 2, summary.Batches)

	// Persisted byte counters never move backwards across flushes.
	require.NotEmpty(t, repo.progressWrites)
	var lastBytes int64
	for _, write := range repo.progressWrites {
		require.GreaterOrEqual(t, write.ProcessedBytes, lastBytes)
		lastBytes = write.ProcessedBytes
	}
	require.Equal(t, streamLen, lastBytes)
}

func TestRunSuppressesDuplicates(t *testing.T) {
	repo := &fakeRepo{}
	engine := testEngine(t, repo, nil, 10)

	same := uniqueMessage("repeated")
	stream := frameStream(t, same, same, uniqueMessage("unique"))

	progress, err := engine.Run(context.Background(), testJob(), stream)
	require.NoError(t, err)

	require.Equal(t, 2, progress.ProcessedMessages)
	require.Equal(t, 1, progress.DuplicateMessages)
	require.Equal(t, 3, progress.TotalMessages)
	require.Equal(t, 2, repo.savedCount())
}

func TestRunSuppressesAlreadyIngestedMessages(t *testing.T) {
	job := testJob()
	msg := uniqueMessage("seen before")

	// Ingest once to learn the hash, then replay against a repo that
	// already holds it.
	first := &fakeRepo{}
	engine := testEngine(t, first, nil, 10)
	_, err := engine.Run(context.Background(), job, frameStream(t, msg))
	require.NoError(t, err)
	require.Equal(t, 1, first.savedCount())
	hash := first.batches[0][0].ContentHash

	second := &fakeRepo{existing: map[string]struct{}{hex.EncodeToString(hash): {}}}
	engine = testEngine(t, second, nil, 10)
	progress, err := engine.Run(context.Background(), job, frameStream(t, msg))
	require.NoError(t, err)

	require.Equal(t, 0, progress.ProcessedMessages)
	require.Equal(t, 1, progress.DuplicateMessages)
	require.Zero(t, second.savedCount())
}

func TestRunMaterializesAttachments(t *testing.T) {
	repo := &fakeRepo{}
	blobRoot := t.TempDir()
	blobs, err := blob.NewDir(blobRoot)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(logger, repo, blobs, nil, 10)

	progress, err := engine.Run(context.Background(), testJob(), frameStream(t, multipartMessage))
	require.NoError(t, err)
	require.Equal(t, 1, progress.ProcessedMessages)

	require.Equal(t, 1, repo.savedCount())
	saved := repo.batches[0][0]
	require.True(t, saved.HasAttachments)
	att := saved.Attachments[0]
	require.NotEmpty(t, att.BlobPath)
	require.Nil(t, att.Content, "attachment payload must not be retained in memory")

	stored, err := os.ReadFile(filepath.Join(blobRoot, filepath.FromSlash(att.BlobPath)))
	require.NoError(t, err)
	require.Contains(t, string(stored), "%PDF-fake-content")
	require.Equal(t, int64(len(stored)), att.SizeBytes)
}

func TestRunAppliesFilter(t *testing.T) {
	repo := &fakeRepo{}
	engine := testEngine(t, repo, nil, 10)

	f, err := filter.New(filter.Options{ExcludeHeader: []string{`Subject: spam`}})
	require.NoError(t, err)
	engine.SetFilter(f)

	stream := frameStream(t, uniqueMessage("spam offer"), uniqueMessage("regular mail"))
	progress, err := engine.Run(context.Background(), testJob(), stream)
	require.NoError(t, err)

	require.Equal(t, 1, progress.ProcessedMessages)
	require.Equal(t, 1, progress.FilteredMessages)
	require.Equal(t, 2, progress.TotalMessages)
	require.Equal(t, 1, repo.savedCount())
}

func TestRunFailsOnStreamError(t *testing.T) {
	repo := &fakeRepo{}
	engine := testEngine(t, repo, nil, 10)

	valid := frameStream(t, uniqueMessage("before the failure"))
	stream := io.MultiReader(bytes.NewReader(valid.Bytes()), errReader{})

	_, err := engine.Run(context.Background(), testJob(), stream)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk gone")
}

func TestRunDiscardsBlobsOnFailedSave(t *testing.T) {
	repo := &fakeRepo{saveErr: errors.New("database locked")}
	blobRoot := t.TempDir()
	blobs, err := blob.NewDir(blobRoot)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(logger, repo, blobs, nil, 1)

	_, err = engine.Run(context.Background(), testJob(), frameStream(t, multipartMessage))
	require.Error(t, err)

	// The batch never committed, so its materialized attachments are gone.
	var orphans []string
	require.NoError(t, filepath.WalkDir(blobRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			orphans = append(orphans, p)
		}
		return nil
	}))
	require.Empty(t, orphans)
}

func TestRunPropagatesSaveErrors(t *testing.T) {
	repo := &fakeRepo{saveErr: errors.New("database locked")}
	engine := testEngine(t, repo, nil, 1)

	_, err := engine.Run(context.Background(), testJob(), frameStream(t, uniqueMessage("one")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "database locked")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := testEngine(t, &fakeRepo{}, nil, 10)
	_, err := engine.Run(ctx, testJob(), frameStream(t, uniqueMessage("one")))
	require.ErrorIs(t, err, context.Canceled)
}
