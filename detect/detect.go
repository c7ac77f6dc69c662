// Package detect classifies an uploaded archive into one of the supported
// source formats by filename extension and content sniffing.
package detect

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/evermail/ingest/model"
)

// Signatures of the containers the detector recognizes.
var (
	zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}
	pstMagic = []byte{0x21, 0x42, 0x44, 0x4E} // "!BDN"
)

// maxZipEntries bounds how many archive entries are inspected while
// classifying a zip upload.
const maxZipEntries = 256

// headerScanLimit is how many leading lines are searched for RFC 5322
// headers before giving up on the single-message heuristic.
const headerScanLimit = 50

// Error is the user-facing failure raised when no rule matches any accepted
// signature. Uploading a different file is the only recovery.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Source is the minimal random-access view of the uploaded blob the detector
// needs. *os.File and *bytes.Reader both satisfy it.
type Source interface {
	io.ReadSeeker
	io.ReaderAt
}

// Detect classifies the blob. Probes are applied in order and short-circuit
// at the first decisive signal; the source's position is restored to the
// start before returning, so the caller's stream is never consumed.
func Detect(src Source, originalFileName string) (model.SourceFormat, error) {
	defer src.Seek(0, io.SeekStart)

	if format, ok := guessFromFileName(originalFileName); ok {
		return format, nil
	}

	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return "", fmt.Errorf("measure upload: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}

	magic := make([]byte, 4)
	n, err := io.ReadFull(src, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read upload header: %w", err)
	}
	magic = magic[:n]
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}

	if bytes.Equal(magic, zipMagic) {
		return detectZip(src, size)
	}

	if bytes.Equal(magic, pstMagic) {
		return model.FormatPst, nil
	}

	if format, ok := sniffText(src); ok {
		return format, nil
	}

	return "", newError("We couldn't recognize this archive. Upload a .mbox, .pst, .ost, or .eml file, or a ZIP containing those formats.")
}

func guessFromFileName(fileName string) (model.SourceFormat, bool) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pst", ".ost":
		return model.FormatPst, true
	case ".mbox", ".mbx":
		return model.FormatMbox, true
	case ".eml":
		return model.FormatEml, true
	default:
		// A .zip extension is not decisive; zips are classified by
		// their entries.
		return "", false
	}
}

func detectZip(src Source, size int64) (model.SourceFormat, error) {
	archive, err := zip.NewReader(io.NewSectionReader(src, 0, size), size)
	if err != nil {
		return "", newError("This ZIP archive could not be opened. Re-create the archive and upload it again.")
	}

	var sawMbox, sawEml bool
	inspected := 0
	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if inspected++; inspected > maxZipEntries {
			break
		}
		name := strings.ToLower(entry.Name)
		switch {
		case strings.HasSuffix(name, ".pst"), strings.HasSuffix(name, ".ost"):
			return model.FormatPstZip, nil
		case strings.HasSuffix(name, ".mbox"), strings.HasSuffix(name, ".mbx"):
			sawMbox = true
		case strings.HasSuffix(name, ".eml"):
			sawEml = true
		}
	}

	if sawMbox {
		return model.FormatMboxZip, nil
	}
	if sawEml {
		return model.FormatEmlZip, nil
	}
	return "", newError("We couldn't recognize this archive. Upload a .mbox, .pst, .ost, or .eml file, or a ZIP containing those formats.")
}

// sniffText decides between an mbox stream and a bare RFC 5322 message.
// An mbox stream is identified by its very first line; a single message by a
// From:, Subject: or Date: header within the first lines of the file.
func sniffText(src io.Reader) (model.SourceFormat, bool) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return "", false
	}
	first := scanner.Text()
	if strings.HasPrefix(first, "From ") {
		return model.FormatMbox, true
	}

	line := first
	for inspected := 0; inspected < headerScanLimit; inspected++ {
		if looksLikeHeader(line) {
			return model.FormatEml, true
		}
		if !scanner.Scan() {
			break
		}
		line = scanner.Text()
	}
	return "", false
}

func looksLikeHeader(line string) bool {
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, "from:") ||
		strings.HasPrefix(lower, "subject:") ||
		strings.HasPrefix(lower, "date:")
}
