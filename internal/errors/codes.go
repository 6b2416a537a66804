// Package errors provides structured error handling for knowbase.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors (fatal at startup)
//   - 2XX: Not-found errors
//   - 3XX: Permission errors
//   - 4XX: Validation errors
//   - 5XX: Transient errors (retryable)
//   - 6XX: Data integrity errors
//   - 7XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryNotFound indicates a referenced entity is absent.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryPermission indicates an access decision passed through from the auth layer.
	CategoryPermission Category = "PERMISSION"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryTransient indicates retryable backend errors.
	CategoryTransient Category = "TRANSIENT"
	// CategoryIntegrity indicates catalog/vector divergence or dimension mismatch.
	CategoryIntegrity Category = "INTEGRITY"
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
	// Config errors (100-199)
	ErrCodeConfigInvalid = "ERR_101_CONFIG_INVALID"
	ErrCodeMissingAPIKey = "ERR_102_MISSING_API_KEY"
	ErrCodeBucketMissing = "ERR_103_BUCKET_MISSING"

	// Not-found errors (200-299)
	ErrCodeDocumentNotFound   = "ERR_201_DOCUMENT_NOT_FOUND"
	ErrCodeKBNotFound         = "ERR_202_KB_NOT_FOUND"
	ErrCodeChunkNotFound      = "ERR_203_CHUNK_NOT_FOUND"
	ErrCodeBlobMissing        = "ERR_204_BLOB_MISSING"
	ErrCodeCollectionNotFound = "ERR_205_COLLECTION_NOT_FOUND"
	ErrCodeTaskNotFound       = "ERR_206_TASK_NOT_FOUND"

	// Permission errors (300-399)
	ErrCodePermissionDenied = "ERR_301_PERMISSION_DENIED"

	// Validation errors (400-499)
	ErrCodeInvalidInput        = "ERR_401_INVALID_INPUT"
	ErrCodeUnsupportedFileType = "ERR_402_UNSUPPORTED_FILE_TYPE"
	ErrCodeQueryEmpty          = "ERR_403_QUERY_EMPTY"
	ErrCodeInvalidUUID         = "ERR_404_INVALID_UUID"
	ErrCodeEmptyExtraction     = "ERR_405_EMPTY_EXTRACTION"
	ErrCodeParseFailed         = "ERR_406_PARSE_FAILED"

	// Transient errors (500-599, retryable)
	ErrCodeNetworkTimeout     = "ERR_501_NETWORK_TIMEOUT"
	ErrCodeRateLimited        = "ERR_502_RATE_LIMITED"
	ErrCodeBackendUnavailable = "ERR_503_BACKEND_UNAVAILABLE"

	// Integrity errors (600-699)
	ErrCodeDimensionMismatch = "ERR_601_DIMENSION_MISMATCH"
	ErrCodeOrphanVectors     = "ERR_602_ORPHAN_VECTORS"
	ErrCodeCatalogDivergence = "ERR_603_CATALOG_DIVERGENCE"

	// Internal errors (700-799)
	ErrCodeInternal          = "ERR_701_INTERNAL"
	ErrCodeEmbeddingFailed   = "ERR_702_EMBEDDING_FAILED"
	ErrCodeSearchFailed      = "ERR_703_SEARCH_FAILED"
	ErrCodeProcessingFailed  = "ERR_704_PROCESSING_FAILED"
	ErrCodeProcessingTimeout = "ERR_705_PROCESSING_TIMEOUT"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract the leading digit of the numeric portion
	// (e.g. "4" from "ERR_401_INVALID_INPUT").
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryNotFound
	case '3':
		return CategoryPermission
	case '4':
		return CategoryValidation
	case '5':
		return CategoryTransient
	case '6':
		return CategoryIntegrity
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig:
		return SeverityFatal
	case CategoryTransient:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	return categoryFromCode(code) == CategoryTransient
}
