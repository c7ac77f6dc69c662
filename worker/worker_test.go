package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evermail/ingest/archive"
	"github.com/evermail/ingest/blob"
	"github.com/evermail/ingest/ingest"
	"github.com/evermail/ingest/keywrap"
	"github.com/evermail/ingest/mboxio"
	"github.com/evermail/ingest/model"
	"github.com/evermail/ingest/repository"
)

type fakeJobStore struct {
	mu        sync.Mutex
	queue     []*model.Job
	finalized map[string]model.JobStatus
	messages  map[string]string
	totals    map[string]int
	keyWrites int
}

func newFakeJobStore(jobs ...*model.Job) *fakeJobStore {
	return &fakeJobStore{
		queue:     jobs,
		finalized: map[string]model.JobStatus{},
		messages:  map[string]string{},
		totals:    map[string]int{},
	}
}

func (s *fakeJobStore) ClaimNextJob(context.Context) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, repository.ErrNoQueuedJobs
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	job.Status = model.StatusProcessing
	return job, nil
}

func (s *fakeJobStore) FinalizeJob(_ context.Context, jobID string, status model.JobStatus, totalMessages int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[jobID] = status
	s.messages[jobID] = errorMessage
	s.totals[jobID] = totalMessages
	return nil
}

func (s *fakeJobStore) StoreWrappedKey(_ context.Context, _, wrappedKey, algorithm, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wrappedKey == "" || algorithm == "" {
		panic("wrapped key fields must be set")
	}
	s.keyWrites++
	return nil
}

type fakeIngestRepo struct {
	mu    sync.Mutex
	saved int
}

func (r *fakeIngestRepo) SaveBatch(_ context.Context, _, _ string, messages []model.NormalizedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved += len(messages)
	return nil
}

func (r *fakeIngestRepo) UpdateJobProgress(context.Context, string, model.ProcessingProgress) error {
	return nil
}

func (r *fakeIngestRepo) ExistingHashes(context.Context, string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func testWorker(t *testing.T, jobs *fakeJobStore, opts Options) (*Worker, *fakeIngestRepo, string) {
	t.Helper()
	blobRoot := t.TempDir()
	blobs, err := blob.NewDir(blobRoot)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &fakeIngestRepo{}
	engine := ingest.NewEngine(logger, repo, blobs, nil, 100)
	normalizer := archive.NewService(logger, blobs, t.TempDir())

	keys, err := keywrap.NewLocalProvider(bytes.Repeat([]byte{7}, 32), "")
	require.NoError(t, err)

	return New(logger, jobs, normalizer, engine, keys, opts), repo, blobRoot
}

func writeMboxBlob(t *testing.T, blobRoot, name string, frames int) {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < frames; i++ {
		msg := "From: a@example.com\r\nSubject: msg\r\n\r\nbody\r\n"
		err := mboxio.WriteFrame(&buf, "a@example.com", time.Now(), strings.NewReader(msg))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(blobRoot, name), buf.Bytes(), 0o600))
}

func mboxJob(id, blobPath string) *model.Job {
	return &model.Job{
		ID:           id,
		TenantID:     "tenant-1",
		MailboxID:    "mailbox-" + id,
		BlobPath:     blobPath,
		FileName:     blobPath,
		SourceFormat: "mbox",
		Status:       model.StatusQueued,
	}
}

func TestProcessJobCompletes(t *testing.T) {
	jobs := newFakeJobStore()
	w, repo, blobRoot := testWorker(t, jobs, Options{})
	writeMboxBlob(t, blobRoot, "export.mbox", 3)

	job := mboxJob("job-1", "export.mbox")
	require.NoError(t, w.ProcessJob(context.Background(), job))

	require.Equal(t, model.StatusCompleted, jobs.finalized["job-1"])
	require.Equal(t, 3, jobs.totals["job-1"])
	require.Empty(t, jobs.messages["job-1"])
	require.Equal(t, 1, jobs.keyWrites)
	require.Equal(t, 3, repo.saved)
}

func TestProcessJobRecordsFailure(t *testing.T) {
	jobs := newFakeJobStore()
	w, _, _ := testWorker(t, jobs, Options{})

	job := mboxJob("job-1", "missing.mbox")
	require.NoError(t, w.ProcessJob(context.Background(), job))

	require.Equal(t, model.StatusFailed, jobs.finalized["job-1"])
	require.Equal(t, "We couldn't find the uploaded file. Please try uploading again.", jobs.messages["job-1"])
}

func TestRunDrainsQueue(t *testing.T) {
	first := mboxJob("job-1", "one.mbox")
	second := mboxJob("job-2", "two.mbox")
	jobs := newFakeJobStore(first, second)

	w, repo, blobRoot := testWorker(t, jobs, Options{Concurrency: 2, Drain: true})
	writeMboxBlob(t, blobRoot, "one.mbox", 2)
	writeMboxBlob(t, blobRoot, "two.mbox", 4)

	require.NoError(t, w.Run(context.Background()))

	require.Equal(t, model.StatusCompleted, jobs.finalized["job-1"])
	require.Equal(t, model.StatusCompleted, jobs.finalized["job-2"])
	require.Equal(t, 6, repo.saved)
}

func TestProcessJobInterrupted(t *testing.T) {
	jobs := newFakeJobStore()
	w, _, blobRoot := testWorker(t, jobs, Options{})
	writeMboxBlob(t, blobRoot, "export.mbox", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := mboxJob("job-1", "export.mbox")
	err := w.ProcessJob(ctx, job)
	require.ErrorIs(t, err, context.Canceled)

	// Interrupted jobs stay claimable; no terminal status is written.
	require.Empty(t, jobs.finalized)
}
