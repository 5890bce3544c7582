// Package errors provides structured error handling for esindex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Index configuration errors
//   - 2XX: Document codec errors
//   - 3XX: Search backend transport errors (transient)
//   - 4XX: Search backend rejections and validation errors (permanent)
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates index configuration errors.
	CategoryConfig Category = "CONFIG"
	// CategoryCodec indicates a row could not be mapped to a document.
	CategoryCodec Category = "CODEC"
	// CategoryBackend indicates the search backend could not be reached.
	CategoryBackend Category = "BACKEND"
	// CategoryRejected indicates the search backend refused the payload.
	CategoryRejected Category = "REJECTED"
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
	ErrCodeConfigInvalid  = "ERR_101_CONFIG_INVALID"
	ErrCodeUnknownOption  = "ERR_102_UNKNOWN_OPTION"
	ErrCodeUnknownTable   = "ERR_103_UNKNOWN_TABLE"
	ErrCodeColumnMismatch = "ERR_104_COLUMN_MISMATCH"
	ErrCodeConfigNotFound = "ERR_105_CONFIG_NOT_FOUND"

	// Codec errors (200-299)
	ErrCodeCodecFailed     = "ERR_201_CODEC_FAILED"
	ErrCodeUnsupportedType = "ERR_202_UNSUPPORTED_TYPE"

	// Backend transport errors (300-399)
	ErrCodeBackendUnavailable = "ERR_301_BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout     = "ERR_302_BACKEND_TIMEOUT"
	ErrCodeQueueFull          = "ERR_303_QUEUE_FULL"

	// Rejection and validation errors (400-499)
	ErrCodeBackendRejected = "ERR_401_BACKEND_REJECTED"
	ErrCodeInvalidInput    = "ERR_402_INVALID_INPUT"

	// Internal errors (500-599)
	ErrCodeInternal     = "ERR_501_INTERNAL"
	ErrCodeBuildFailed  = "ERR_502_BUILD_FAILED"
	ErrCodeIndexDropped = "ERR_503_INDEX_DROPPED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_INVALID")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryCodec
	case '3':
		return CategoryBackend
	case '4':
		return CategoryRejected
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	// A bad index definition aborts registration.
	if categoryFromCode(code) == CategoryConfig {
		return SeverityFatal
	}

	// Codec problems skip a single row.
	if categoryFromCode(code) == CategoryCodec {
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeBackendUnavailable, ErrCodeBackendTimeout, ErrCodeQueueFull:
		return true
	default:
		return false
	}
}
