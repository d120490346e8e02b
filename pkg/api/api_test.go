package api_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/floelabs/floe/pkg/api"
	"github.com/floelabs/floe/pkg/kv"
	badgerkv "github.com/floelabs/floe/pkg/kv/badger"
	"github.com/floelabs/floe/pkg/stream"
	"github.com/floelabs/floe/pkg/sui"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
	"github.com/floelabs/floe/pkg/upload/finalize"
)

type fakePublisher struct {
	mu    sync.Mutex
	blobs map[string][]byte
	next  int
	err   error
}

func (p *fakePublisher) PublishFile(ctx context.Context, path string, epochs int) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", "server_error", p.err
	}
	data, err := readFile(path)
	if err != nil {
		return "", "unknown_error", err
	}
	p.next++
	blobID := fmt.Sprintf("blob-%d", p.next)
	if p.blobs == nil {
		p.blobs = map[string][]byte{}
	}
	p.blobs[blobID] = data
	return blobID, "success", nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

type fakeMinter struct {
	mu   sync.Mutex
	next int
	err  error
}

func (m *fakeMinter) MintFile(ctx context.Context, params sui.MintParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.next++
	return fmt.Sprintf("0xfile%d", m.next), nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	objects map[string]*sui.ObjectData
	err     error
}

func (r *fakeRegistry) GetObject(ctx context.Context, objectID string) (*sui.ObjectData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	obj, ok := r.objects[objectID]
	if !ok {
		return nil, sui.ErrObjectNotFound
	}
	return obj, nil
}

type fixture struct {
	router    http.Handler
	store     kv.Store
	publisher *fakePublisher
	minter    *fakeMinter
	registry  *fakeRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := badgerkv.New("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)

	publisher := &fakePublisher{}
	minter := &fakeMinter{}
	registry := &fakeRegistry{objects: map[string]*sui.ObjectData{}}

	sessions := upload.NewService(store, upload.Config{})
	engine := finalize.NewEngine(finalize.Config{}, store, sessions, chunks, publisher, minter, nil)
	resolver := stream.NewResolver(store, registry, time.Minute)

	// Aggregator fleet of one, backed by the publisher's blob map.
	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		blobID := strings.TrimPrefix(r.URL.Path, "/v1/blobs/")
		publisher.mu.Lock()
		data, ok := publisher.blobs[blobID]
		publisher.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(aggregator.Close)

	stitcher, err := stream.NewStitcher(stream.StitcherConfig{Aggregators: []string{aggregator.URL}}, nil)
	require.NoError(t, err)

	router := api.NewRouter(api.Deps{
		Store:    store,
		Sessions: sessions,
		Chunks:   chunks,
		Engine:   engine,
		Resolver: resolver,
		Stitcher: stitcher,
	})

	return &fixture{
		router:    router,
		store:     store,
		publisher: publisher,
		minter:    minter,
		registry:  registry,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) putChunk(t *testing.T, uploadID string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	sum := sha256.Sum256(data)
	return f.putChunkHash(t, uploadID, index, data, hex.EncodeToString(sum[:]))
}

func (f *fixture) putChunkHash(t *testing.T, uploadID string, index int, data []byte, hash string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("chunk", "chunk.bin")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	path := fmt.Sprintf("/v1/uploads/%s/chunk/%d", uploadID, index)
	req := httptest.NewRequest(http.MethodPut, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-chunk-sha256", hash)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	env, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error envelope in %s", rec.Body.String())
	code, _ := env["code"].(string)
	return code
}

func (f *fixture) createUpload(t *testing.T, size int64) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/uploads/create", map[string]any{
		"filename":    "report.bin",
		"contentType": "application/octet-stream",
		"sizeBytes":   size,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["uploadId"].(string)
}

func TestUploadLifecycle(t *testing.T) {
	f := newFixture(t)

	data := []byte("hello, walrus")
	uploadID := f.createUpload(t, int64(len(data)))

	rec := f.putChunk(t, uploadID, 0, data)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decodeBody(t, rec)["ok"])

	rec = f.do(t, http.MethodGet, "/v1/uploads/"+uploadID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	require.Equal(t, "uploading", status["status"])
	require.Len(t, status["receivedChunks"], 1)

	rec = f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody(t, rec)
	require.Equal(t, "ready", result["status"])
	require.NotEmpty(t, result["fileId"])
	require.EqualValues(t, len(data), result["sizeBytes"])
	// blobId stays hidden unless asked for.
	require.NotContains(t, result, "blobId")

	// Complete is idempotent: the replay carries the same triple, and the
	// opt-in query flag reveals the blob ID.
	rec = f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete?includeBlobId=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody(t, rec)
	require.Equal(t, result["fileId"], replay["fileId"])
	require.Equal(t, "blob-1", replay["blobId"])
}

func TestCreateUploadValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing filename", map[string]any{"contentType": "text/plain", "sizeBytes": 10}, "INVALID_FILENAME"},
		{"long filename", map[string]any{"filename": strings.Repeat("x", 513), "contentType": "text/plain", "sizeBytes": 10}, "INVALID_FILENAME"},
		{"missing content type", map[string]any{"filename": "a", "sizeBytes": 10}, "INVALID_CONTENT_TYPE"},
		{"zero size", map[string]any{"filename": "a", "contentType": "text/plain", "sizeBytes": 0}, "INVALID_FILE_SIZE"},
		{"negative size", map[string]any{"filename": "a", "contentType": "text/plain", "sizeBytes": -1}, "INVALID_FILE_SIZE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/uploads/create", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, tc.code, errorCode(t, rec))
		})
	}

	rec := f.do(t, http.MethodPost, "/v1/uploads/create", map[string]any{
		"filename": "a", "contentType": "text/plain", "sizeBytes": 16 * 1024 * 1024 * 1024,
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "FILE_TOO_LARGE", errorCode(t, rec))
}

func TestChunkValidation(t *testing.T) {
	f := newFixture(t)
	data := []byte("payload")
	uploadID := f.createUpload(t, int64(len(data)))

	t.Run("bad hash header", func(t *testing.T) {
		rec := f.putChunkHash(t, uploadID, 0, data, "not-a-hash")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "INVALID_CHUNK", errorCode(t, rec))
	})

	t.Run("hash mismatch", func(t *testing.T) {
		rec := f.putChunkHash(t, uploadID, 0, data, strings.Repeat("ab", 32))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "INVALID_CHUNK", errorCode(t, rec))
		body := decodeBody(t, rec)
		require.Equal(t, false, body["error"].(map[string]any)["retryable"])
	})

	t.Run("index out of range", func(t *testing.T) {
		rec := f.putChunk(t, uploadID, 5, data)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "INVALID_CHUNK", errorCode(t, rec))
	})

	t.Run("malformed upload id", func(t *testing.T) {
		rec := f.putChunk(t, "not-a-uuid", 0, data)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "INVALID_UPLOAD_ID", errorCode(t, rec))
	})

	t.Run("non-v4 upload id", func(t *testing.T) {
		// Well-formed but version 1: session IDs are always v4.
		rec := f.putChunk(t, "c232ab00-9414-11ec-b3c8-9f6bdeced846", 0, data)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "INVALID_UPLOAD_ID", errorCode(t, rec))
	})

	t.Run("unknown upload", func(t *testing.T) {
		rec := f.putChunk(t, "9f1c0e4a-7b2d-4a6e-9c3f-1a2b3c4d5e6f", 0, data)
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "UPLOAD_NOT_FOUND", errorCode(t, rec))
	})
}

func TestCompleteIncomplete(t *testing.T) {
	f := newFixture(t)
	uploadID := f.createUpload(t, 1024)

	rec := f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "UPLOAD_INCOMPLETE", errorCode(t, rec))

	// The upload stays open for the missing chunks.
	rec = f.do(t, http.MethodGet, "/v1/uploads/"+uploadID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "uploading", decodeBody(t, rec)["status"])
}

func TestCompletePublishFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = fmt.Errorf("publisher melted down")

	data := []byte("doomed")
	uploadID := f.createUpload(t, int64(len(data)))
	rec := f.putChunk(t, uploadID, 0, data)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "UPLOAD_FAILED", errorCode(t, rec))
	body := decodeBody(t, rec)
	require.Equal(t, true, body["error"].(map[string]any)["retryable"])
}

func TestCompleteRetryAfterPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = fmt.Errorf("publisher melted down")

	data := []byte("second chance")
	uploadID := f.createUpload(t, int64(len(data)))
	rec := f.putChunk(t, uploadID, 0, data)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	// The publisher recovers and the client re-invokes the same call,
	// exactly as the retryable flag told it to.
	f.publisher.err = nil
	rec = f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, "ready", body["status"])
	require.NotEmpty(t, body["fileId"])
}

func TestCancelUpload(t *testing.T) {
	f := newFixture(t)
	uploadID := f.createUpload(t, 1024)

	rec := f.do(t, http.MethodDelete, "/v1/uploads/"+uploadID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "canceled", decodeBody(t, rec)["status"])

	// Terminal state stays observable through the meta record.
	rec = f.do(t, http.MethodGet, "/v1/uploads/"+uploadID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "canceled", decodeBody(t, rec)["status"])

	// Chunks can no longer land.
	rec = f.putChunk(t, uploadID, 0, []byte("late"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelCompletedUpload(t *testing.T) {
	f := newFixture(t)
	data := []byte("done deal")
	uploadID := f.createUpload(t, int64(len(data)))
	f.putChunk(t, uploadID, 0, data)
	rec := f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/uploads/"+uploadID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "UPLOAD_ALREADY_COMPLETED", errorCode(t, rec))
}

// ingest pushes a file through the whole pipeline and returns its file ID.
func (f *fixture) ingest(t *testing.T, data []byte) string {
	t.Helper()
	uploadID := f.createUpload(t, int64(len(data)))
	rec := f.putChunk(t, uploadID, 0, data)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/v1/uploads/"+uploadID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["fileId"].(string)
}

func TestFileMetadataAndManifest(t *testing.T) {
	f := newFixture(t)
	data := []byte("metadata subject")
	fileID := f.ingest(t, data)

	rec := f.do(t, http.MethodGet, "/v1/files/"+fileID+"/metadata", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	meta := decodeBody(t, rec)
	require.Equal(t, fileID, meta["fileId"])
	require.EqualValues(t, 1, meta["manifestVersion"])
	require.EqualValues(t, len(data), meta["sizeBytes"])
	require.NotContains(t, meta, "blobId")

	rec = f.do(t, http.MethodGet, "/v1/files/"+fileID+"/manifest?includeBlobId=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	manifest := decodeBody(t, rec)
	layout := manifest["layout"].(map[string]any)
	require.Equal(t, "walrus_single_blob", layout["type"])
	segments := layout["segments"].([]any)
	require.Len(t, segments, 1)
	seg := segments[0].(map[string]any)
	require.EqualValues(t, 0, seg["offsetBytes"])
	require.EqualValues(t, len(data), seg["sizeBytes"])
	require.Equal(t, "blob-1", seg["blobId"])
}

func TestFileStream(t *testing.T) {
	f := newFixture(t)
	data := []byte("0123456789abcdef")
	fileID := f.ingest(t, data)

	t.Run("whole file", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/files/"+fileID+"/stream", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, data, rec.Body.Bytes())
		require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
		require.Equal(t, fmt.Sprint(len(data)), rec.Header().Get("Content-Length"))
	})

	t.Run("interior range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/files/"+fileID+"/stream", nil)
		req.Header.Set("Range", "bytes=4-9")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusPartialContent, rec.Code)
		require.Equal(t, []byte("456789"), rec.Body.Bytes())
		require.Equal(t, fmt.Sprintf("bytes 4-9/%d", len(data)), rec.Header().Get("Content-Range"))
	})

	t.Run("unsatisfiable range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/files/"+fileID+"/stream", nil)
		req.Header.Set("Range", "bytes=9999-")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
		require.Equal(t, "INVALID_RANGE", errorCode(t, rec))
	})

	t.Run("head", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodHead, "/v1/files/"+fileID+"/stream", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Zero(t, rec.Body.Len())
		require.Equal(t, fmt.Sprint(len(data)), rec.Header().Get("Content-Length"))
	})
}

func TestFileReadFromChain(t *testing.T) {
	f := newFixture(t)

	// An asset minted elsewhere: only the registry knows it.
	f.publisher.mu.Lock()
	f.publisher.blobs = map[string][]byte{"chain-blob": []byte("chain data")}
	f.publisher.mu.Unlock()
	f.registry.objects["0xexternal"] = &sui.ObjectData{
		ObjectID: "0xexternal",
		Owner:    "0xowner",
		Fields:   map[string]any{"blob_id": "chain-blob", "size": "10", "mime": "text/plain"},
	}

	rec := f.do(t, http.MethodGet, "/v1/files/0xexternal/metadata", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	meta := decodeBody(t, rec)
	require.Equal(t, "text/plain", meta["mimeType"])
	require.Equal(t, "0xowner", meta["owner"])

	rec = f.do(t, http.MethodGet, "/v1/files/0xexternal/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "chain data", rec.Body.String())
}

func TestFileStreamContentGone(t *testing.T) {
	f := newFixture(t)

	// The registry knows the asset but no aggregator carries the blob.
	f.registry.objects["0xghost"] = &sui.ObjectData{
		ObjectID: "0xghost",
		Owner:    "0xowner",
		Fields:   map[string]any{"blob_id": "ghost-blob", "size": "4", "mime": "text/plain"},
	}

	rec := f.do(t, http.MethodGet, "/v1/files/0xghost/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "FILE_CONTENT_NOT_FOUND", errorCode(t, rec))
}

func TestFileNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/files/0xmissing/metadata", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "FILE_NOT_FOUND", errorCode(t, rec))
}

func TestFileRegistryDown(t *testing.T) {
	f := newFixture(t)
	f.registry.err = fmt.Errorf("%w: connection refused", sui.ErrUnavailable)

	rec := f.do(t, http.MethodGet, "/v1/files/0xany/stream", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "SUI_UNAVAILABLE", errorCode(t, rec))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])
}
