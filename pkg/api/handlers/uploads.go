package handlers

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/metrics"
	"github.com/floelabs/floe/pkg/sui"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
	"github.com/floelabs/floe/pkg/upload/finalize"
)

// sha256HexPattern validates the x-chunk-sha256 header.
var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

const (
	maxFilenameLen    = 512
	maxContentTypeLen = 128
)

// UploadHandler serves the upload lifecycle: create, chunk, status,
// complete and cancel.
type UploadHandler struct {
	sessions *upload.Service
	chunks   *chunkstore.Store
	engine   *finalize.Engine
	metrics  *metrics.GatewayMetrics

	// exposeBlobID globally unhides blobId in responses; otherwise the
	// per-request includeBlobId query flag decides.
	exposeBlobID bool
}

// NewUploadHandler creates the upload lifecycle handler. metrics may be nil.
func NewUploadHandler(sessions *upload.Service, chunks *chunkstore.Store, engine *finalize.Engine, m *metrics.GatewayMetrics, exposeBlobID bool) *UploadHandler {
	return &UploadHandler{
		sessions:     sessions,
		chunks:       chunks,
		engine:       engine,
		metrics:      m,
		exposeBlobID: exposeBlobID,
	}
}

func (h *UploadHandler) blobIDVisible(r *http.Request) bool {
	if h.exposeBlobID {
		return true
	}
	v := r.URL.Query().Get("includeBlobId")
	return v == "1" || v == "true"
}

type createUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	ChunkSize   int64  `json:"chunkSize,omitempty"`
	Epochs      int    `json:"epochs,omitempty"`
}

type createUploadResponse struct {
	UploadID    string    `json:"uploadId"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int64     `json:"totalChunks"`
	Epochs      int       `json:"epochs"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Create handles POST /v1/uploads/create.
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequestBody, "request body is not valid JSON", false)
		return
	}

	if req.Filename == "" || len(req.Filename) > maxFilenameLen {
		writeError(w, http.StatusBadRequest, CodeInvalidFilename, "filename must be 1-512 characters", false)
		return
	}
	if req.ContentType == "" || len(req.ContentType) > maxContentTypeLen {
		writeError(w, http.StatusBadRequest, CodeInvalidContentType, "contentType must be 1-128 characters", false)
		return
	}
	cfg := h.sessions.Config()
	if req.SizeBytes <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidFileSize, "sizeBytes must be positive", false)
		return
	}
	if req.SizeBytes > cfg.MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "sizeBytes exceeds the maximum file size", false)
		return
	}
	if req.ChunkSize < 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidChunkSize, "chunkSize must be positive when present", false)
		return
	}
	if req.Epochs < 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidEpochs, "epochs must be positive when present", false)
		return
	}

	session, err := h.sessions.Create(r.Context(), upload.CreateParams{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		ChunkSize:   req.ChunkSize,
		Epochs:      req.Epochs,
	})
	switch {
	case errors.Is(err, upload.ErrCapacityReached):
		writeError(w, http.StatusTooManyRequests, CodeUploadCapacityReached, "too many active uploads, try again later", true)
		return
	case errors.Is(err, upload.ErrTooManyChunks):
		writeError(w, http.StatusBadRequest, CodeTooManyChunks, "sizeBytes/chunkSize yields too many chunks", false)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, CodeSessionCreateFailed, "failed to create upload session", true)
		return
	}

	writeJSON(w, http.StatusCreated, createUploadResponse{
		UploadID:    session.UploadID,
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
		Epochs:      session.Epochs,
		ExpiresAt:   session.ExpiresAt,
	})
}

// Chunk handles PUT /v1/uploads/{uploadId}/chunk/{index}: a multipart
// body with a single file part, hash-pinned by the x-chunk-sha256 header.
func (h *UploadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}

	expectedHash := r.Header.Get("x-chunk-sha256")
	if !sha256HexPattern.MatchString(expectedHash) {
		writeError(w, http.StatusBadRequest, CodeInvalidChunk, "x-chunk-sha256 header must be 64 lowercase hex characters", false)
		return
	}

	session, ok := h.loadSession(w, r, uploadID)
	if !ok {
		return
	}

	index, err := strconv.ParseInt(chi.URLParam(r, "index"), 10, 64)
	if err != nil || index < 0 || index >= session.TotalChunks {
		writeError(w, http.StatusBadRequest, CodeInvalidChunk, "chunk index out of range", false)
		return
	}

	part, err := firstFilePart(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeChunkStreamError, "multipart body with one file part required", false)
		return
	}
	defer part.Close()

	expectedSize := session.ExpectedChunkSize(index)
	err = h.chunks.WriteChunk(r.Context(), uploadID, index, part, expectedHash, expectedSize, session.IsLastChunk(index))
	switch {
	case errors.Is(err, chunkstore.ErrChunkInProgress):
		h.metrics.RecordChunk("in_progress")
		writeError(w, http.StatusConflict, CodeChunkInProgress, "another writer is persisting this chunk", true)
		return
	case errors.Is(err, chunkstore.ErrHashMismatch):
		h.metrics.RecordChunk("hash_mismatch")
		writeError(w, http.StatusBadRequest, CodeInvalidChunk, "chunk payload does not match x-chunk-sha256", false)
		return
	case errors.Is(err, chunkstore.ErrChunkTooLarge):
		h.metrics.RecordChunk("too_large")
		writeError(w, http.StatusBadRequest, CodeInvalidChunk, "chunk payload exceeds the expected size", false)
		return
	case errors.Is(err, chunkstore.ErrChunkSizeMismatch), errors.Is(err, chunkstore.ErrInvalidLastChunkSize):
		h.metrics.RecordChunk("size_mismatch")
		writeError(w, http.StatusBadRequest, CodeInvalidChunk, "chunk payload has the wrong size", false)
		return
	case err != nil:
		h.metrics.RecordChunk("error")
		logger.Error("chunk write failed", logger.UploadID(uploadID), logger.ChunkIndex(int(index)), logger.Err(err))
		writeError(w, http.StatusInternalServerError, CodeChunkUploadFailed, "failed to persist chunk", true)
		return
	}

	if err := h.sessions.MarkChunkReceived(r.Context(), uploadID, index); err != nil {
		logger.Error("chunk index record failed", logger.UploadID(uploadID), logger.ChunkIndex(int(index)), logger.Err(err))
		writeError(w, http.StatusInternalServerError, CodeChunkUploadFailed, "failed to record chunk", true)
		return
	}

	h.metrics.RecordChunk("ok")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chunkIndex": index})
}

type statusResponse struct {
	UploadID       string    `json:"uploadId"`
	ChunkSize      int64     `json:"chunkSize,omitempty"`
	TotalChunks    int64     `json:"totalChunks,omitempty"`
	ReceivedChunks []int64   `json:"receivedChunks"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
	Status         string    `json:"status"`
	FileID         string    `json:"fileId,omitempty"`
	BlobID         string    `json:"blobId,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Status handles GET /v1/uploads/{uploadId}/status. When the session is
// gone the durable meta record answers, so terminal uploads stay
// observable after the session TTL fires.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	resp := statusResponse{UploadID: uploadID, ReceivedChunks: []int64{}}

	session, err := h.sessions.Get(ctx, uploadID)
	if err == nil {
		received, err := h.sessions.ReceivedChunks(ctx, uploadID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to load chunk index", true)
			return
		}
		resp.ChunkSize = session.ChunkSize
		resp.TotalChunks = session.TotalChunks
		resp.ReceivedChunks = received
		resp.ExpiresAt = session.ExpiresAt
		resp.Status = string(session.Status)
	} else if errors.Is(err, upload.ErrSessionNotFound) {
		meta, metaErr := h.sessions.Meta(ctx, uploadID)
		if metaErr != nil || meta.Status == "" {
			writeError(w, http.StatusNotFound, CodeUploadNotFound, "upload not found", false)
			return
		}
		resp.Status = string(meta.Status)
		resp.Error = meta.Error
	} else {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to load upload session", true)
		return
	}

	meta, err := h.sessions.Meta(ctx, uploadID)
	if err == nil {
		resp.FileID = meta.FileID
		if h.blobIDVisible(r) {
			resp.BlobID = meta.BlobID
		}
		if resp.Error == "" {
			resp.Error = meta.Error
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type completeResponse struct {
	FileID    string `json:"fileId"`
	BlobID    string `json:"blobId,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
	Status    string `json:"status"`
}

// Complete handles POST /v1/uploads/{uploadId}/complete. Idempotent:
// replays of a completed upload return the recorded commit triple.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Finalize(r.Context(), uploadID)
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeUploadNotFound, "upload not found", false)
		return
	case errors.Is(err, upload.ErrFinalizationInProgress), errors.Is(err, finalize.ErrLeaseLost):
		writeError(w, http.StatusConflict, CodeFinalizationInProgress, "finalization already in progress", true)
		return
	case errors.Is(err, finalize.ErrIncompleteChunks):
		writeError(w, http.StatusBadRequest, CodeUploadIncomplete, "not all chunks have been uploaded", false)
		return
	case errors.Is(err, finalize.ErrUploadNotFinalizable):
		writeError(w, http.StatusConflict, CodeUploadFailed, "upload is in a terminal state and cannot be finalized", false)
		return
	case errors.Is(err, sui.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeSuiUnavailable, "registry fullnode unavailable, retry complete", true)
		return
	case err != nil:
		// Transient publish, mint and store failures: complete is
		// idempotent, the client retries the same call.
		writeError(w, http.StatusBadGateway, CodeUploadFailed, "finalization failed, retry complete", true)
		return
	}

	resp := completeResponse{
		FileID:    result.FileID,
		SizeBytes: result.SizeBytes,
		Status:    "ready",
	}
	if h.blobIDVisible(r) {
		resp.BlobID = result.BlobID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel handles DELETE /v1/uploads/{uploadId}. Idempotent.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}

	err := h.sessions.Cancel(r.Context(), uploadID)
	switch {
	case errors.Is(err, upload.ErrFinalizationInProgress):
		writeError(w, http.StatusConflict, CodeFinalizationInProgress, "upload is being finalized and cannot be canceled", true)
		return
	case errors.Is(err, upload.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, CodeUploadAlreadyCompleted, "upload already completed", false)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to cancel upload", true)
		return
	}

	if err := h.chunks.Cleanup(uploadID); err != nil {
		logger.Warn("cancel disk cleanup failed", logger.UploadID(uploadID), logger.Err(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "uploadId": uploadID, "status": "canceled"})
}

// loadSession loads a live session and maps the not-found cases: a
// completed meta means 409, anything else 404.
func (h *UploadHandler) loadSession(w http.ResponseWriter, r *http.Request, uploadID string) (*upload.Session, bool) {
	session, err := h.sessions.Get(r.Context(), uploadID)
	if err == nil {
		return session, true
	}
	if errors.Is(err, upload.ErrSessionNotFound) {
		meta, metaErr := h.sessions.Meta(r.Context(), uploadID)
		if metaErr == nil && meta.Status == upload.StatusCompleted {
			writeError(w, http.StatusConflict, CodeUploadAlreadyCompleted, "upload already completed", false)
			return nil, false
		}
		writeError(w, http.StatusNotFound, CodeUploadNotFound, "upload not found", false)
		return nil, false
	}
	writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to load upload session", true)
	return nil, false
}

func parseUploadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uploadID := chi.URLParam(r, "uploadId")
	u, err := uuid.Parse(uploadID)
	if err != nil || u.Version() != 4 {
		writeError(w, http.StatusBadRequest, CodeInvalidUploadID, "uploadId must be a version 4 UUID", false)
		return "", false
	}
	return uploadID, true
}

// firstFilePart returns a reader over the first file part of a multipart
// body without buffering the payload.
func firstFilePart(r *http.Request) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" || part.FormName() != "" {
			return part, nil
		}
	}
}
