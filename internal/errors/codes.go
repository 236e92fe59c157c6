// Package errors provides structured error handling for siftd.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO and index errors (file, disk, snapshot)
//   - 3XX: Transient external errors (embedding, vector, queue)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file, disk, and index I/O errors.
	CategoryIO Category = "IO"
	// CategoryExternal indicates errors from external services.
	CategoryExternal Category = "EXTERNAL"
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
)

// Error codes organized by category.
const (
	// Config errors (100-199). Never retried.
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeChunkConfig    = "ERR_103_CHUNK_CONFIG"

	// IO errors (200-299).
	ErrCodeFileNotFound    = "ERR_201_FILE_NOT_FOUND"
	ErrCodeCorruptSnapshot = "ERR_202_CORRUPT_SNAPSHOT"
	ErrCodeStoreFailed     = "ERR_203_STORE_FAILED"
	ErrCodeLockFailed      = "ERR_204_LOCK_FAILED"

	// Transient external errors (300-399). Retried with backoff.
	ErrCodeEmbeddingUnavailable = "ERR_301_EMBEDDING_UNAVAILABLE"
	ErrCodeEmbeddingTimeout     = "ERR_302_EMBEDDING_TIMEOUT"
	ErrCodeVectorUnavailable    = "ERR_303_VECTOR_UNAVAILABLE"
	ErrCodeQueueUnavailable     = "ERR_304_QUEUE_UNAVAILABLE"

	// Validation errors (400-499).
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"

	// Internal errors (500-599).
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeIndexFailed       = "ERR_502_INDEX_FAILED"
	ErrCodeSearchUnavailable = "ERR_503_SEARCH_UNAVAILABLE"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryExternal
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from error code.
// Corrupt snapshots are recoverable (rebuild from store), so they are warnings.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigNotFound, ErrCodeConfigInvalid, ErrCodeChunkConfig:
		return SeverityFatal
	case ErrCodeCorruptSnapshot:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether an error code marks a transient failure.
// Only external-service failures are retryable; config and validation never are.
func isRetryableCode(code string) bool {
	return categoryFromCode(code) == CategoryExternal
}
