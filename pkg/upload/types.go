// Package upload implements the upload-session control plane: the KV
// keyspace schema, the session and meta records, and the session service
// that creates, loads and cancels upload sessions.
package upload

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
)

// Collectible reports whether the reaper may delete artifacts in this state.
func (s Status) Collectible() bool {
	return s == StatusFailed || s == StatusExpired || s == StatusCanceled
}

// Terminal reports whether the state can no longer transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s.Collectible()
}

var (
	// ErrSessionNotFound is returned when no session record exists.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrCorruptSession is returned when a session record exists but one
	// of its numeric fields is missing or unparseable.
	ErrCorruptSession = errors.New("corrupt upload session")

	// ErrCapacityReached is returned by Create when the GC index already
	// holds the maximum number of active uploads.
	ErrCapacityReached = errors.New("upload capacity reached")

	// ErrAlreadyCompleted is returned when an operation is attempted on a
	// completed upload.
	ErrAlreadyCompleted = errors.New("upload already completed")

	// ErrFinalizationInProgress is returned when a finalize lease is held
	// by another actor.
	ErrFinalizationInProgress = errors.New("upload finalization in progress")
)

// Session is the control-plane record tracking one in-progress ingestion.
type Session struct {
	UploadID    string
	Filename    string
	ContentType string
	SizeBytes   int64
	ChunkSize   int64
	TotalChunks int64
	Epochs      int
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ExpectedChunkSize returns the exact byte size required for the chunk at
// the given index. Non-last chunks are exactly ChunkSize; the last chunk
// carries the remainder.
func (s *Session) ExpectedChunkSize(index int64) int64 {
	if index == s.TotalChunks-1 {
		return s.SizeBytes - s.ChunkSize*(s.TotalChunks-1)
	}
	return s.ChunkSize
}

// IsLastChunk reports whether index addresses the final chunk.
func (s *Session) IsLastChunk(index int64) bool {
	return index == s.TotalChunks-1
}

// Meta is the durable sibling of Session that outlives it. On success it
// carries the commit triple {FileID, BlobID, SizeBytes}.
type Meta struct {
	Status              Status
	FileID              string
	BlobID              string
	SizeBytes           int64
	Error               string
	CreatedAt           time.Time
	FinalizingAt        time.Time
	CompletedAt         time.Time
	FailedAt            time.Time
	CanceledAt          time.Time
	ExpiredAt           time.Time
	RecoveredAt         time.Time
	WalrusUploadedAt    time.Time
	MetadataFinalizedAt time.Time
}

// Field names shared by the session and meta hashes.
const (
	fieldUploadID    = "uploadId"
	fieldFilename    = "filename"
	fieldContentType = "contentType"
	fieldSizeBytes   = "sizeBytes"
	fieldChunkSize   = "chunkSize"
	fieldTotalChunks = "totalChunks"
	fieldEpochs      = "epochs"
	fieldStatus      = "status"
	fieldCreatedAt   = "createdAt"
	fieldExpiresAt   = "expiresAt"

	fieldFileID              = "fileId"
	fieldBlobID              = "blobId"
	fieldError               = "error"
	fieldFinalizingAt        = "finalizingAt"
	fieldCompletedAt         = "completedAt"
	fieldFailedAt            = "failedAt"
	fieldCanceledAt          = "canceledAt"
	fieldExpiredAt           = "expiredAt"
	fieldRecoveredAt         = "recoveredAt"
	fieldWalrusUploadedAt    = "walrusUploadedAt"
	fieldMetadataFinalizedAt = "metadataFinalizedAt"
)

// encodeSession renders a session as hash fields. Timestamps are unix
// milliseconds, matching what the defensive parser expects.
func encodeSession(s *Session) map[string]string {
	return map[string]string{
		fieldUploadID:    s.UploadID,
		fieldFilename:    s.Filename,
		fieldContentType: s.ContentType,
		fieldSizeBytes:   strconv.FormatInt(s.SizeBytes, 10),
		fieldChunkSize:   strconv.FormatInt(s.ChunkSize, 10),
		fieldTotalChunks: strconv.FormatInt(s.TotalChunks, 10),
		fieldEpochs:      strconv.Itoa(s.Epochs),
		fieldStatus:      string(s.Status),
		fieldCreatedAt:   strconv.FormatInt(s.CreatedAt.UnixMilli(), 10),
		fieldExpiresAt:   strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10),
	}
}

// decodeSession parses hash fields into a session, failing with
// ErrCorruptSession when any required integer is missing or invalid.
func decodeSession(fields map[string]string) (*Session, error) {
	s := &Session{
		UploadID:    fields[fieldUploadID],
		Filename:    fields[fieldFilename],
		ContentType: fields[fieldContentType],
		Status:      Status(fields[fieldStatus]),
	}

	var err error
	if s.SizeBytes, err = parseIntField(fields, fieldSizeBytes); err != nil {
		return nil, err
	}
	if s.ChunkSize, err = parseIntField(fields, fieldChunkSize); err != nil {
		return nil, err
	}
	if s.TotalChunks, err = parseIntField(fields, fieldTotalChunks); err != nil {
		return nil, err
	}
	epochs, err := parseIntField(fields, fieldEpochs)
	if err != nil {
		return nil, err
	}
	s.Epochs = int(epochs)

	createdAt, err := parseIntField(fields, fieldCreatedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseIntField(fields, fieldExpiresAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.ExpiresAt = time.UnixMilli(expiresAt)

	return s, nil
}

func parseIntField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, fmt.Errorf("%w: missing field %q", ErrCorruptSession, name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %q = %q", ErrCorruptSession, name, raw)
	}
	return n, nil
}

// decodeMeta parses meta hash fields. Meta is tolerant of missing fields:
// only what is present is populated.
func decodeMeta(fields map[string]string) *Meta {
	m := &Meta{
		Status: Status(fields[fieldStatus]),
		FileID: fields[fieldFileID],
		BlobID: fields[fieldBlobID],
		Error:  fields[fieldError],
	}
	if raw := fields[fieldSizeBytes]; raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			m.SizeBytes = n
		}
	}
	m.CreatedAt = parseTimeField(fields, fieldCreatedAt)
	m.FinalizingAt = parseTimeField(fields, fieldFinalizingAt)
	m.CompletedAt = parseTimeField(fields, fieldCompletedAt)
	m.FailedAt = parseTimeField(fields, fieldFailedAt)
	m.CanceledAt = parseTimeField(fields, fieldCanceledAt)
	m.ExpiredAt = parseTimeField(fields, fieldExpiredAt)
	m.RecoveredAt = parseTimeField(fields, fieldRecoveredAt)
	m.WalrusUploadedAt = parseTimeField(fields, fieldWalrusUploadedAt)
	m.MetadataFinalizedAt = parseTimeField(fields, fieldMetadataFinalizedAt)
	return m
}

func parseTimeField(fields map[string]string, name string) time.Time {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// statusTimestampField maps a status to the meta timestamp field recorded
// when the session enters it.
func statusTimestampField(status Status) string {
	switch status {
	case StatusFinalizing:
		return fieldFinalizingAt
	case StatusCompleted:
		return fieldCompletedAt
	case StatusFailed:
		return fieldFailedAt
	case StatusCanceled:
		return fieldCanceledAt
	case StatusExpired:
		return fieldExpiredAt
	default:
		return ""
	}
}

// MetaStatusFields builds the hash fields for a status transition.
func MetaStatusFields(status Status, at time.Time) map[string]string {
	fields := map[string]string{fieldStatus: string(status)}
	if tsField := statusTimestampField(status); tsField != "" {
		fields[tsField] = millis(at)
	}
	return fields
}

// MetaFailedFields builds the hash fields for a failed finalization.
func MetaFailedFields(errMsg string, at time.Time) map[string]string {
	return map[string]string{
		fieldStatus:   string(StatusFailed),
		fieldFailedAt: millis(at),
		fieldError:    errMsg,
	}
}

// MetaBlobCheckpointFields builds the publish checkpoint: once these are
// written, the publish step is never re-run for this session.
func MetaBlobCheckpointFields(blobID string, at time.Time) map[string]string {
	return map[string]string{
		fieldBlobID:           blobID,
		fieldWalrusUploadedAt: millis(at),
	}
}

// MetaFileCheckpointFields builds the mint checkpoint.
func MetaFileCheckpointFields(fileID string, at time.Time) map[string]string {
	return map[string]string{
		fieldFileID:              fileID,
		fieldMetadataFinalizedAt: millis(at),
	}
}

// MetaCommitFields builds the terminal commit record for a completed
// upload, carrying the commit triple. The error field is cleared so a
// commit after a retried failure leaves no stale failure note.
func MetaCommitFields(fileID, blobID string, sizeBytes int64, at time.Time) map[string]string {
	return map[string]string{
		fieldStatus:      string(StatusCompleted),
		fieldFileID:      fileID,
		fieldBlobID:      blobID,
		fieldSizeBytes:   strconv.FormatInt(sizeBytes, 10),
		fieldCompletedAt: millis(at),
		fieldError:       "",
	}
}

// MetaRecoveredFields marks an orphaned artifact adopted by the
// reconciler.
func MetaRecoveredFields(at time.Time) map[string]string {
	return map[string]string{
		fieldStatus:      string(StatusExpired),
		fieldRecoveredAt: millis(at),
	}
}
