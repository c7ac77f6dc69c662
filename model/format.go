package model

import "strings"

// SourceFormat identifies the container format of an uploaded archive.
// It is decided once per upload and never changes afterwards.
type SourceFormat string

const (
	// FormatMbox is the canonical format every other container is
	// normalized into before ingestion.
	FormatMbox       SourceFormat = "mbox"
	FormatMboxZip    SourceFormat = "mbox-zip"
	FormatPst        SourceFormat = "pst"
	FormatPstZip     SourceFormat = "pst-zip"
	FormatEml        SourceFormat = "eml"
	FormatEmlZip     SourceFormat = "eml-zip"
	FormatAutoDetect SourceFormat = "auto-detect"
)

// ParseSourceFormat maps a caller-supplied format string to a known
// SourceFormat. It accepts a handful of aliases used by older clients.
// ok is false when the string matches no known format.
func ParseSourceFormat(s string) (format SourceFormat, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mbox", "mbx":
		return FormatMbox, true
	case "mbox-zip", "zip", "google-takeout-zip":
		return FormatMboxZip, true
	case "pst", "ost", "outlook-pst", "outlook-ost":
		return FormatPst, true
	case "pst-zip", "ost-zip", "outlook-pst-zip", "outlook-ost-zip", "microsoft-export-zip":
		return FormatPstZip, true
	case "eml":
		return FormatEml, true
	case "eml-zip":
		return FormatEmlZip, true
	case "auto", "auto-detect", "":
		return FormatAutoDetect, true
	default:
		return "", false
	}
}
