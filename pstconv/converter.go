package pstconv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/evermail/ingest/mboxio"
)

// Stats summarizes one conversion run. Skipped folders and messages were
// never seen by the ingestion engine and are not part of its failure counts.
type Stats struct {
	Folders         int
	SkippedFolders  int
	Messages        int
	SkippedMessages int
}

// OpenStoreFunc opens a mail store file. Swapped out in tests.
type OpenStoreFunc func(path string) (Store, error)

type Converter struct {
	logger    *slog.Logger
	tempDir   string
	openStore OpenStoreFunc
}

func New(logger *slog.Logger, tempDir string) *Converter {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Converter{
		logger:    logger,
		tempDir:   tempDir,
		openStore: OpenStore,
	}
}

// ConvertToMbox walks the store's folder tree and re-serializes every
// readable message into a temporary canonical mbox file. The caller owns the
// returned file. On error the temporary file has already been removed.
func (c *Converter) ConvertToMbox(ctx context.Context, storePath string) (outputPath string, stats Stats, err error) {
	outputPath = filepath.Join(c.tempDir, fmt.Sprintf("evermail-pst-%s.mbox", uuid.NewString()))
	output, err := os.OpenFile(outputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", stats, fmt.Errorf("create conversion output: %w", err)
	}
	defer func() {
		if cerr := output.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close conversion output: %w", cerr)
		}
		if err != nil {
			if rmErr := os.Remove(outputPath); rmErr != nil {
				c.logger.Warn("remove partial conversion output", "path", outputPath, "err", rmErr)
			}
		}
	}()

	store, err := c.openStore(storePath)
	if err != nil {
		return "", stats, fmt.Errorf("open mail store: %w", err)
	}
	defer store.Close()

	root, err := store.RootFolder()
	if err != nil {
		return "", stats, fmt.Errorf("read folder tree: %w", err)
	}

	// Explicit stack instead of recursion so arbitrarily deep hierarchies
	// cannot exhaust the call stack.
	stack := []Folder{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return "", stats, err
		}

		folder := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stats.Folders++

		subs, err := folder.SubFolders()
		if err != nil {
			stats.SkippedFolders++
			c.logger.Warn("skipping unreadable folder subtree", "folder", folder.Name(), "err", err)
			continue
		}
		for i := len(subs) - 1; i >= 0; i-- {
			stack = append(stack, subs[i])
		}

		if err := c.convertFolder(ctx, folder, output, &stats); err != nil {
			return "", stats, err
		}
	}

	c.logger.Info("mail store converted",
		"folders", stats.Folders,
		"skippedFolders", stats.SkippedFolders,
		"messages", stats.Messages,
		"skippedMessages", stats.SkippedMessages)
	return outputPath, stats, nil
}

func (c *Converter) convertFolder(ctx context.Context, folder Folder, output *os.File, stats *Stats) error {
	messages, err := folder.Messages()
	if err != nil {
		// Folder-level isolation: a folder whose listing fails is
		// dropped wholesale; the rest of the tree still converts.
		stats.SkippedFolders++
		c.logger.Warn("skipping unreadable folder", "folder", folder.Name(), "err", err)
		return nil
	}

	for messages.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := messages.Message()
		if err := c.writeMessage(output, msg); err != nil {
			stats.SkippedMessages++
			c.logger.Warn("skipping unconvertible message",
				"folder", folder.Name(),
				"subject", msg.Subject(),
				"err", err)
			continue
		}
		stats.Messages++
	}

	if err := messages.Err(); err != nil {
		stats.SkippedFolders++
		c.logger.Warn("folder listing aborted midway", "folder", folder.Name(), "err", err)
	}
	return nil
}

// writeMessage rebuilds one store message as MIME and appends it to the
// output immediately, keeping memory bounded by a single message.
func (c *Converter) writeMessage(output *os.File, msg Message) error {
	sender, date, raw, err := buildMime(msg)
	if err != nil {
		return err
	}
	return mboxio.WriteFrame(output, sender, date, bytes.NewReader(raw))
}
