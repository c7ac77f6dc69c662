package archive

import "fmt"

// ConversionError means a required container entry was missing or unusable.
// It is fatal for the upload and surfaced to the user as-is.
type ConversionError struct {
	msg string
}

func (e *ConversionError) Error() string { return e.msg }

func newConversionError(format string, args ...any) *ConversionError {
	return &ConversionError{msg: fmt.Sprintf(format, args...)}
}

// PlanLimitError is raised when the normalized archive exceeds the tenant's
// plan allowance. The message carries both figures so the user can decide
// between upgrading and splitting the export.
type PlanLimitError struct {
	ActualBytes int64
	MaxBytes    int64
}

func (e *PlanLimitError) Error() string {
	return fmt.Sprintf(
		"Normalized archive is %.2f GB which exceeds your plan limit (%.2f GB). Please upgrade or split the export before retrying.",
		gigabytes(e.ActualBytes), gigabytes(e.MaxBytes))
}

func gigabytes(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024 * 1024)
}

// ensureWithinPlan enforces the plan ceiling once the normalized size is
// known. A non-positive limit means the plan is unlimited.
func ensureWithinPlan(totalBytes, maxBytes int64) error {
	if maxBytes <= 0 || totalBytes <= maxBytes {
		return nil
	}
	return &PlanLimitError{ActualBytes: totalBytes, MaxBytes: maxBytes}
}
