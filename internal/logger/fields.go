package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements for log aggregation and querying.
const (
	// Upload lifecycle
	KeyUploadID    = "upload_id"    // Upload session identifier (UUID)
	KeyChunkIndex  = "chunk_index"  // Zero-based chunk index
	KeyTotalChunks = "total_chunks" // Expected chunk count for the session
	KeyStatus      = "status"       // Session status (uploading, finalizing, ...)
	KeySizeBytes   = "size_bytes"   // Declared or served byte size
	KeyEpochs      = "epochs"       // Walrus storage duration in epochs

	// Assets
	KeyFileID = "file_id" // Registry-minted stable asset identifier
	KeyBlobID = "blob_id" // Walrus content-addressed blob identifier

	// Upstream endpoints
	KeyAggregator = "aggregator" // Aggregator base URL serving a read
	KeyPublisher  = "publisher"  // Publisher base URL accepting a write

	// HTTP surface
	KeyRequestID = "request_id" // chi request ID for correlation
	KeyMethod    = "method"     // HTTP method
	KeyRoute     = "route"      // HTTP route pattern
	KeyHTTPCode  = "http_status"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"
	KeyOutcome    = "outcome" // Publish outcome classification
	KeyOffset     = "offset"  // Byte offset within a blob or range
)

// UploadID returns a slog.Attr for an upload session identifier.
func UploadID(id string) slog.Attr {
	return slog.String(KeyUploadID, id)
}

// ChunkIndex returns a slog.Attr for a chunk index.
func ChunkIndex(i int) slog.Attr {
	return slog.Int(KeyChunkIndex, i)
}

// FileID returns a slog.Attr for a registry file identifier.
func FileID(id string) slog.Attr {
	return slog.String(KeyFileID, id)
}

// BlobID returns a slog.Attr for a Walrus blob identifier.
func BlobID(id string) slog.Attr {
	return slog.String(KeyBlobID, id)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
