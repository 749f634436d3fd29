// Package errors provides structured error handling for chunkfusion.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage lookups (missing entities, corrupt data)
//   - 3XX: Store availability (transient, retryable)
//   - 4XX: Validation errors (caller contract violations)
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates storage lookup and data errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates the backing store could not be reached.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeCorruptData = "ERR_205_CORRUPT_DATA"
	ErrCodeNotFound    = "ERR_207_NOT_FOUND"

	// Availability errors (300-399)
	ErrCodeStoreTimeout     = "ERR_301_STORE_TIMEOUT"
	ErrCodeStoreUnavailable = "ERR_302_STORE_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidArgument   = "ERR_401_INVALID_ARGUMENT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidPageToken  = "ERR_407_INVALID_PAGE_TOKEN"
	ErrCodeConflict          = "ERR_408_CONFLICT"

	// Internal errors (500-599)
	ErrCodeInternal     = "ERR_501_INTERNAL"
	ErrCodeSearchFailed = "ERR_503_SEARCH_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_NOT_FOUND")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	if code == ErrCodeCorruptData {
		return SeverityFatal
	}

	// Retryable availability errors get warning severity
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStoreTimeout, ErrCodeStoreUnavailable:
		return true
	default:
		return false
	}
}

// isInvalidArgumentCode reports whether code is a caller contract violation.
// Page token and conflict errors are specialisations of InvalidArgument.
func isInvalidArgumentCode(code string) bool {
	switch code {
	case ErrCodeInvalidArgument, ErrCodeInvalidPageToken, ErrCodeConflict:
		return true
	default:
		return false
	}
}
