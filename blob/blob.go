package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the read side of the blob storage collaborator. The pipeline only
// needs sequential reads plus materialization to a local file for conversion
// steps that require random access; it never assumes a storage protocol.
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	Length(ctx context.Context, path string) (int64, error)
	DownloadTo(ctx context.Context, path, destination string) error
}

// Writer is the write side, used to materialize extracted attachments.
// Remove exists so a caller can take back blobs whose owning rows never
// committed; removing a missing blob is not an error.
type Writer interface {
	Put(ctx context.Context, path string, content io.Reader) (int64, error)
	Remove(ctx context.Context, path string) error
}

// Dir serves blobs from a local directory tree. It backs the CLI and tests;
// a real deployment substitutes an object-store implementation.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob root directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Dir{root: filepath.Clean(root)}, nil
}

func (d *Dir) resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return filepath.Join(d.root, cleaned), nil
}

func (d *Dir) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

func (d *Dir) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return file, nil
}

func (d *Dir) Length(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size(), nil
}

func (d *Dir) DownloadTo(ctx context.Context, path, destination string) error {
	src, err := d.OpenRead(ctx, path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(destination, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create download target: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("download blob %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close download target: %w", err)
	}
	return nil
}

func (d *Dir) Put(ctx context.Context, path string, content io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("create blob directory: %w", err)
	}
	file, err := os.Create(full)
	if err != nil {
		return 0, fmt.Errorf("create blob: %w", err)
	}
	n, err := io.Copy(file, content)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close blob: %w", err)
	}
	return n, nil
}

func (d *Dir) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}
