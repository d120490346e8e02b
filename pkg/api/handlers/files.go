package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/stream"
)

// FileHandler serves the asset read surface: metadata, manifest and the
// stitched byte stream.
type FileHandler struct {
	resolver *stream.Resolver
	stitcher *stream.Stitcher

	exposeBlobID bool
}

// NewFileHandler creates the asset read handler.
func NewFileHandler(resolver *stream.Resolver, stitcher *stream.Stitcher, exposeBlobID bool) *FileHandler {
	return &FileHandler{resolver: resolver, stitcher: stitcher, exposeBlobID: exposeBlobID}
}

func (h *FileHandler) blobIDVisible(r *http.Request) bool {
	if h.exposeBlobID {
		return true
	}
	v := r.URL.Query().Get("includeBlobId")
	return v == "1" || v == "true"
}

// resolve maps resolver failures onto the read-path error taxonomy.
func (h *FileHandler) resolve(w http.ResponseWriter, r *http.Request) (string, *stream.FileFields, bool) {
	fileID := chi.URLParam(r, "fileId")

	fields, err := h.resolver.Resolve(r.Context(), fileID)
	switch {
	case errors.Is(err, stream.ErrFileNotFound):
		writeError(w, http.StatusNotFound, CodeFileNotFound, "no file object for this id", false)
		return "", nil, false
	case errors.Is(err, stream.ErrRegistryUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeSuiUnavailable, "registry fullnode unavailable", true)
		return "", nil, false
	case errors.Is(err, stream.ErrInvalidMetadata):
		writeError(w, http.StatusBadGateway, CodeInvalidFileMetadata, "on-chain object is not a servable asset", false)
		return "", nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to resolve file", true)
		return "", nil, false
	}
	return fileID, fields, true
}

type metadataResponse struct {
	FileID          string `json:"fileId"`
	ManifestVersion int    `json:"manifestVersion"`
	Container       string `json:"container"`
	SizeBytes       int64  `json:"sizeBytes"`
	MimeType        string `json:"mimeType"`
	Owner           string `json:"owner,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
	BlobID          string `json:"blobId,omitempty"`
}

type manifestSegment struct {
	Index       int    `json:"index"`
	OffsetBytes int64  `json:"offsetBytes"`
	SizeBytes   int64  `json:"sizeBytes"`
	BlobID      string `json:"blobId,omitempty"`
}

type manifestLayout struct {
	Type     string            `json:"type"`
	Segments []manifestSegment `json:"segments"`
}

type manifestResponse struct {
	metadataResponse
	Layout manifestLayout `json:"layout"`
}

func (h *FileHandler) metadataBody(r *http.Request, fileID string, fields *stream.FileFields) metadataResponse {
	body := metadataResponse{
		FileID:          fileID,
		ManifestVersion: 1,
		Container:       "raw",
		SizeBytes:       fields.Size,
		MimeType:        fields.Mime,
		Owner:           fields.Owner,
		CreatedAt:       fields.CreatedAt,
	}
	if h.blobIDVisible(r) {
		body.BlobID = fields.BlobID
	}
	return body
}

// Metadata handles GET /v1/files/{fileId}/metadata.
func (h *FileHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	fileID, fields, ok := h.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.metadataBody(r, fileID, fields))
}

// Manifest handles GET /v1/files/{fileId}/manifest. Single-blob assets
// always carry exactly one segment spanning the whole file.
func (h *FileHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	fileID, fields, ok := h.resolve(w, r)
	if !ok {
		return
	}

	resp := manifestResponse{metadataResponse: h.metadataBody(r, fileID, fields)}
	resp.Layout = manifestLayout{
		Type: "walrus_single_blob",
		Segments: []manifestSegment{{
			Index:       0,
			OffsetBytes: 0,
			SizeBytes:   fields.Size,
			BlobID:      resp.BlobID,
		}},
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stream handles GET and HEAD /v1/files/{fileId}/stream with optional
// single-range requests.
func (h *FileHandler) Stream(w http.ResponseWriter, r *http.Request) {
	fileID, fields, ok := h.resolve(w, r)
	if !ok {
		return
	}

	status := http.StatusOK
	rng := stream.FullRange(fields.Size)
	if header := r.Header.Get("Range"); header != "" {
		var err error
		rng, err = stream.ParseRange(header, fields.Size)
		if err != nil {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(fields.Size, 10))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, CodeInvalidRange, "range is malformed or unsatisfiable", false)
			return
		}
		status = http.StatusPartialContent
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", fields.Mime)
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.Header().Set("ETag", `"`+fields.BlobID+`"`)
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", rng.ContentRange(fields.Size))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	// Headers are deferred until the first upstream byte so a failure
	// before any data can still produce the error envelope.
	dw := &delayedWriter{w: w, status: status}
	written, err := h.stitcher.Stream(r.Context(), dw, fields.BlobID, rng)
	if err != nil {
		if !dw.wrote {
			h.writeStreamError(dw.w, fileID, err)
			return
		}
		// Mid-stream failure: the status line is gone. Abort the
		// connection so the client sees a short body, not a clean EOF.
		logger.Error("stream aborted mid-body",
			logger.FileID(fileID),
			logger.KeySizeBytes, written,
			logger.Err(err),
		)
		panic(http.ErrAbortHandler)
	}
}

func (h *FileHandler) writeStreamError(w http.ResponseWriter, fileID string, err error) {
	w.Header().Del("Content-Length")
	w.Header().Del("Content-Range")
	w.Header().Del("ETag")

	var upstream *stream.StatusError
	switch {
	case errors.Is(err, stream.ErrRangeTooLarge):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, CodeInvalidRange, "range exceeds the maximum servable size", false)
	case errors.Is(err, stream.ErrNoAggregators):
		writeError(w, http.StatusBadGateway, CodeWalrusReadFailed, "no aggregators configured", false)
	case errors.As(err, &upstream) && upstream.StatusCode == http.StatusNotFound:
		writeError(w, http.StatusNotFound, CodeFileContentNotFound, "blob not found on any aggregator", false)
	case errors.As(err, &upstream) && upstream.StatusCode >= 500:
		logger.Error("stream failed before first byte", logger.FileID(fileID), logger.Err(err))
		writeError(w, http.StatusServiceUnavailable, CodeWalrusReadFailed, "aggregators are unavailable", true)
	default:
		logger.Error("stream failed before first byte", logger.FileID(fileID), logger.Err(err))
		writeError(w, http.StatusBadGateway, CodeWalrusReadFailed, "all aggregators failed to serve the blob", true)
	}
}

// delayedWriter holds back the committed status line until the first byte
// arrives from upstream.
type delayedWriter struct {
	w      http.ResponseWriter
	status int
	wrote  bool
}

func (d *delayedWriter) Write(p []byte) (int, error) {
	if !d.wrote {
		d.wrote = true
		d.w.WriteHeader(d.status)
	}
	return d.w.Write(p)
}
