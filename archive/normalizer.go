// Package archive normalizes every supported upload container into one
// canonical mbox stream of known total size, enforcing the tenant's plan
// ceiling along the way.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	stdmail "net/mail"
	"os"
	"strings"
	"time"

	"github.com/evermail/ingest/blob"
	"github.com/evermail/ingest/detect"
	"github.com/evermail/ingest/mboxio"
	"github.com/evermail/ingest/model"
	"github.com/evermail/ingest/pstconv"
)

// prepareFunc normalizes one source format. local is a pre-downloaded copy
// of the blob when auto-detection already materialized it, empty otherwise.
type prepareFunc func(ctx context.Context, temps *tempTracker, blobPath, local string, planMaxBytes int64) (*ExtractionResult, error)

type Service struct {
	logger    *slog.Logger
	blobs     blob.Store
	converter *pstconv.Converter
	tempDir   string
	prepare   map[model.SourceFormat]prepareFunc
}

func NewService(logger *slog.Logger, blobs blob.Store, tempDir string) *Service {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	s := &Service{
		logger:    logger,
		blobs:     blobs,
		converter: pstconv.New(logger, tempDir),
		tempDir:   tempDir,
	}
	s.prepare = map[model.SourceFormat]prepareFunc{
		model.FormatMbox:    s.prepareMbox,
		model.FormatMboxZip: s.prepareMboxZip,
		model.FormatPst:     s.preparePst,
		model.FormatPstZip:  s.preparePstZip,
		model.FormatEml:     s.prepareEml,
		model.FormatEmlZip:  s.prepareEmlZip,
	}
	return s
}

// Normalize turns the uploaded blob into a canonical stream. An explicit,
// known format string takes precedence over content sniffing; unrecognized
// explicit strings fall back to canonical mbox handling; auto-detect defers
// to the format detector. On any error every temporary file created during
// the call has been removed before the error is returned.
func (s *Service) Normalize(ctx context.Context, requestedFormat, blobPath, fileName string, planMaxBytes int64) (result *ExtractionResult, err error) {
	format, ok := model.ParseSourceFormat(requestedFormat)
	if !ok {
		s.logger.Warn("unrecognized archive format requested, treating as mbox",
			"requested", requestedFormat, "blob", blobPath)
		format = model.FormatMbox
	}

	temps := &tempTracker{logger: s.logger, tempDir: s.tempDir}
	defer func() {
		if err != nil {
			temps.removeAll()
		}
	}()

	local := ""
	if format == model.FormatAutoDetect {
		format, local, err = s.detectFormat(ctx, temps, blobPath, fileName)
		if err != nil {
			return nil, err
		}
	}

	prepare, ok := s.prepare[format]
	if !ok {
		return nil, fmt.Errorf("no normalizer for format %q", format)
	}

	s.logger.Info("normalizing archive", "blob", blobPath, "format", format, "file", fileName)
	result, err = prepare(ctx, temps, blobPath, local, planMaxBytes)
	return result, err
}

// detectFormat materializes the blob locally (the detector needs random
// access) and classifies it. The local copy is reused by the chosen
// normalizer so the blob is only downloaded once.
func (s *Service) detectFormat(ctx context.Context, temps *tempTracker, blobPath, fileName string) (model.SourceFormat, string, error) {
	local, err := s.fetch(ctx, temps, blobPath, ".upload")
	if err != nil {
		return "", "", err
	}

	file, err := os.Open(local)
	if err != nil {
		return "", "", fmt.Errorf("open downloaded upload: %w", err)
	}
	defer file.Close()

	format, err := detect.Detect(file, fileName)
	if err != nil {
		return "", "", err
	}
	s.logger.Info("archive format detected", "blob", blobPath, "format", format)
	return format, local, nil
}

func (s *Service) prepareMbox(ctx context.Context, temps *tempTracker, blobPath, local string, planMaxBytes int64) (*ExtractionResult, error) {
	if local != "" {
		return s.fileResult(temps, local, planMaxBytes)
	}

	exists, err := s.blobs.Exists(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("check upload: %w", err)
	}
	if !exists {
		return nil, newConversionError("We couldn't find the uploaded file. Please try uploading again.")
	}

	size, err := s.blobs.Length(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("read upload size: %w", err)
	}
	if err := ensureWithinPlan(size, planMaxBytes); err != nil {
		return nil, err
	}

	// No conversion needed: stream straight from the blob store.
	return &ExtractionResult{
		Format:     model.FormatMbox,
		TotalBytes: size,
		logger:     s.logger,
		open: func(ctx context.Context) (io.ReadCloser, error) {
			return s.blobs.OpenRead(ctx, blobPath)
		},
	}, nil
}

func (s *Service) prepareMboxZip(ctx context.Context, temps *tempTracker, blobPath, local string, planMaxBytes int64) (*ExtractionResult, error) {
	zipPath, err := s.fetchOrReuse(ctx, temps, blobPath, local, ".zip")
	if err != nil {
		return nil, err
	}

	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, newConversionError("Uploaded .zip file could not be opened.")
	}
	defer archive.Close()

	var entries []*zip.File
	for _, entry := range archive.File {
		if entry.UncompressedSize64 == 0 {
			continue
		}
		if hasSuffix(entry.Name, ".mbox") || hasSuffix(entry.Name, ".mbx") {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		return nil, newConversionError("Uploaded .zip file does not contain any .mbox files.")
	}

	outPath := temps.create(".mbox")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create canonical file: %w", err)
	}
	defer out.Close()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.logger.Info("appending mbox entry", "entry", entry.Name, "bytes", entry.UncompressedSize64)
		if err := appendZipEntry(out, entry); err != nil {
			return nil, err
		}
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("flush canonical file: %w", err)
	}

	return s.fileResult(temps, outPath, planMaxBytes)
}

func (s *Service) preparePst(ctx context.Context, temps *tempTracker, blobPath, local string, planMaxBytes int64) (*ExtractionResult, error) {
	pstPath, err := s.fetchOrReuse(ctx, temps, blobPath, local, ".pst")
	if err != nil {
		return nil, err
	}
	return s.convertPst(ctx, temps, pstPath, planMaxBytes)
}

func (s *Service) preparePstZip(ctx context.Context, temps *tempTracker, blobPath, local string, planMaxBytes int64) (*ExtractionResult, error) {
	zipPath, err := s.fetchOrReuse(ctx, temps, blobPath, local, ".zip")
	if err != nil {
		return nil, err
	}

	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, newConversionError("Uploaded .zip file could not be opened.")
	}
	defer archive.Close()

	var pstEntry *zip.File
	for _, entry := range archive.File {
		if entry.UncompressedSize64 == 0 {
			continue
		}
		if hasSuffix(entry.Name, ".pst") || hasSuffix(entry.Name, ".ost") {
			pstEntry = entry
			break
		}
	}
	if pstEntry == nil {
		return nil, newConversionError("Uploaded .zip file does not contain a .pst file.")
	}

	pstPath := temps.create(".pst")
	if err := extractZipEntry(pstEntry, pstPath); err != nil {
		return nil, err
	}
	return s.convertPst(ctx, temps, pstPath, planMaxBytes)
}

func (s *Service) prepareEml(ctx context.Context, temps *tempTracker, blobPath, local string, planMaxBytes int64) (*ExtractionResult, error) {
	emlPath, err := s.fetchOrReuse(ctx, temps, blobPath, local, ".eml")
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(emlPath)
	if err != nil {
		return nil, fmt.Errorf("read message file: %w", err)
	}

	outPath := temps.create(".mbox")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create canonical file: %w", err)
	}
	defer out.Close()

	if err := writeEmlFrame(out, raw); err != nil {
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("flush canonical file: %w", err)
	}

	return s.fileResult(temps, outPath, planMaxBytes)
}

func (s *Service) prepareEmlZip(ctx context.Context, temps *tempTracker, blobPath, local string, planMaxBytes int64) (*ExtractionResult, error) {
	zipPath, err := s.fetchOrReuse(ctx, temps, blobPath, local, ".zip")
	if err != nil {
		return nil, err
	}

	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, newConversionError("Uploaded .zip file could not be opened.")
	}
	defer archive.Close()

	outPath := temps.create(".mbox")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create canonical file: %w", err)
	}
	defer out.Close()

	matched := 0
	for _, entry := range archive.File {
		if entry.UncompressedSize64 == 0 || !hasSuffix(entry.Name, ".eml") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := readZipEntry(entry)
		if err != nil {
			return nil, err
		}
		if err := writeEmlFrame(out, raw); err != nil {
			return nil, err
		}
		matched++
	}
	if matched == 0 {
		return nil, newConversionError("Uploaded .zip file does not contain any .eml files.")
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("flush canonical file: %w", err)
	}

	return s.fileResult(temps, outPath, planMaxBytes)
}

func (s *Service) convertPst(ctx context.Context, temps *tempTracker, pstPath string, planMaxBytes int64) (*ExtractionResult, error) {
	mboxPath, _, err := s.converter.ConvertToMbox(ctx, pstPath)
	if err != nil {
		return nil, fmt.Errorf("convert mail store: %w", err)
	}
	temps.add(mboxPath)
	return s.fileResult(temps, mboxPath, planMaxBytes)
}

// fileResult finalizes a normalization that produced (or reuses) a local
// canonical file: the file's length becomes the authoritative total and the
// tracker's temp files move into the result's ownership.
func (s *Service) fileResult(temps *tempTracker, path string, planMaxBytes int64) (*ExtractionResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("measure canonical file: %w", err)
	}
	if err := ensureWithinPlan(info.Size(), planMaxBytes); err != nil {
		return nil, err
	}

	return &ExtractionResult{
		Format:     model.FormatMbox,
		TotalBytes: info.Size(),
		logger:     s.logger,
		tempPaths:  temps.paths,
		open: func(context.Context) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func (s *Service) fetch(ctx context.Context, temps *tempTracker, blobPath, ext string) (string, error) {
	exists, err := s.blobs.Exists(ctx, blobPath)
	if err != nil {
		return "", fmt.Errorf("check upload: %w", err)
	}
	if !exists {
		return "", newConversionError("We couldn't find the uploaded file. Please try uploading again.")
	}

	path := temps.create(ext)
	if err := s.blobs.DownloadTo(ctx, blobPath, path); err != nil {
		return "", fmt.Errorf("download upload: %w", err)
	}
	return path, nil
}

func (s *Service) fetchOrReuse(ctx context.Context, temps *tempTracker, blobPath, local, ext string) (string, error) {
	if local != "" {
		return local, nil
	}
	return s.fetch(ctx, temps, blobPath, ext)
}

// writeEmlFrame wraps one RFC 5322 message into a single canonical frame,
// pulling the sender and date out of its headers for the sentinel line.
func writeEmlFrame(out io.Writer, raw []byte) error {
	sender := ""
	var date time.Time
	if parsed, err := stdmail.ReadMessage(strings.NewReader(string(raw))); err == nil {
		if addr, err := stdmail.ParseAddress(parsed.Header.Get("From")); err == nil {
			sender = addr.Address
		}
		if d, err := parsed.Header.Date(); err == nil {
			date = d
		}
	}
	return mboxio.WriteFrame(out, sender, date, strings.NewReader(string(raw)))
}

func appendZipEntry(out io.Writer, entry *zip.File) error {
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	tail := &tailWriter{w: out}
	if _, err := io.Copy(tail, src); err != nil {
		return fmt.Errorf("copy zip entry %s: %w", entry.Name, err)
	}
	// A blank line must separate this entry from the next frame. When the
	// member lacks a trailing newline its last line is terminated first.
	separator := "\r\n"
	if tail.last != '\n' {
		separator = "\r\n\r\n"
	}
	if _, err := io.WriteString(out, separator); err != nil {
		return fmt.Errorf("separate zip entry %s: %w", entry.Name, err)
	}
	return nil
}

// tailWriter remembers the last byte passed through it.
type tailWriter struct {
	w    io.Writer
	last byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.last = p[n-1]
	}
	return n, err
}

func extractZipEntry(entry *zip.File, destination string) error {
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destination, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create extraction target: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extract zip entry %s: %w", entry.Name, err)
	}
	return dst.Close()
}

func readZipEntry(entry *zip.File) ([]byte, error) {
	src, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read zip entry %s: %w", entry.Name, err)
	}
	return raw, nil
}

func hasSuffix(name, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(name), suffix)
}
