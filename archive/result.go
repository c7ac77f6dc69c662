package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/evermail/ingest/model"
)

// ExtractionResult is the outcome of normalization: a factory for the
// canonical mbox stream plus its authoritative total size. The final
// consumer must call Cleanup exactly once, on success or failure, to release
// the temporary files backing converted formats.
type ExtractionResult struct {
	Format     model.SourceFormat
	TotalBytes int64

	open func(ctx context.Context) (io.ReadCloser, error)

	logger      *slog.Logger
	tempPaths   []string
	cleanupOnce sync.Once
}

func (r *ExtractionResult) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	return r.open(ctx)
}

// Cleanup removes every temporary file owned by the result. Removal is
// best-effort: failures are logged and swallowed, the OS temp directory is
// the backstop.
func (r *ExtractionResult) Cleanup() {
	r.cleanupOnce.Do(func() {
		removePaths(r.logger, r.tempPaths)
	})
}

// tempTracker accumulates the temporary files created during one normalize
// call. On failure the caller removes them all before the error propagates;
// on success ownership moves to the ExtractionResult.
type tempTracker struct {
	logger  *slog.Logger
	tempDir string
	paths   []string
}

func (t *tempTracker) create(ext string) string {
	path := filepath.Join(t.tempDir, fmt.Sprintf("evermail-archive-%s%s", uuid.NewString(), ext))
	t.paths = append(t.paths, path)
	return path
}

func (t *tempTracker) add(path string) {
	t.paths = append(t.paths, path)
}

func (t *tempTracker) removeAll() {
	removePaths(t.logger, t.paths)
}

func removePaths(logger *slog.Logger, paths []string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if logger != nil {
				logger.Warn("remove temporary file", "path", path, "err", err)
			}
		}
	}
}
