package handlers

import (
	"net/http"

	"github.com/floelabs/floe/internal/logger"
)

// Canonical error codes. This is a closed set: clients branch on codes,
// never on messages, so new failure modes must reuse or extend this list
// deliberately.
const (
	CodeInvalidRequestBody         = "INVALID_REQUEST_BODY"
	CodeInvalidCreateUploadRequest = "INVALID_CREATE_UPLOAD_REQUEST"
	CodeInvalidFileSize            = "INVALID_FILE_SIZE"
	CodeFileTooLarge               = "FILE_TOO_LARGE"
	CodeInvalidFilename            = "INVALID_FILENAME"
	CodeInvalidContentType         = "INVALID_CONTENT_TYPE"
	CodeInvalidChunkSize           = "INVALID_CHUNK_SIZE"
	CodeInvalidTotalChunks         = "INVALID_TOTAL_CHUNKS"
	CodeTooManyChunks              = "TOO_MANY_CHUNKS"
	CodeUploadCapacityReached      = "UPLOAD_CAPACITY_REACHED"
	CodeInvalidUploadID            = "INVALID_UPLOAD_ID"
	CodeUploadNotFound             = "UPLOAD_NOT_FOUND"
	CodeUploadAlreadyCompleted     = "UPLOAD_ALREADY_COMPLETED"
	CodeUploadIncomplete           = "UPLOAD_INCOMPLETE"
	CodeFinalizationInProgress     = "UPLOAD_FINALIZATION_IN_PROGRESS"
	CodeInvalidChunk               = "INVALID_CHUNK"
	CodeChunkStreamError           = "CHUNK_STREAM_ERROR"
	CodeChunkUploadFailed          = "CHUNK_UPLOAD_FAILED"
	CodeChunkInProgress            = "CHUNK_IN_PROGRESS"
	CodeSessionCreateFailed        = "SESSION_CREATE_FAILED"
	CodeUploadFailed               = "UPLOAD_FAILED"
	CodeInvalidEpochs              = "INVALID_EPOCHS"
	CodeRateLimited                = "RATE_LIMITED"
	CodeInternalError              = "INTERNAL_ERROR"
	CodeFileNotFound               = "FILE_NOT_FOUND"
	CodeFileContentNotFound        = "FILE_CONTENT_NOT_FOUND"
	CodeSuiUnavailable             = "SUI_UNAVAILABLE"
	CodeInvalidFileMetadata        = "INVALID_FILE_METADATA"
	CodeInvalidRange               = "INVALID_RANGE"
	CodeWalrusRangeUnsupported     = "WALRUS_RANGE_UNSUPPORTED"
	CodeWalrusReadFailed           = "WALRUS_READ_FAILED"
)

// ErrorBody is the uniform error envelope carried by every non-2xx
// response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorEnvelope wraps ErrorBody under the top-level "error" key.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// writeError renders the canonical error envelope.
func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeErrorDetails(w, status, code, message, retryable, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, retryable bool, details map[string]any) {
	if status >= 500 {
		logger.Error("request failed", "code", code, logger.KeyHTTPCode, status, "message", message)
	}
	writeJSON(w, status, ErrorEnvelope{Error: ErrorBody{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Details:   details,
	}})
}
