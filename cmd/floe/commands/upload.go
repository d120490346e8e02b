package commands

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
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/floelabs/floe/internal/bytesize"
)

var (
	uploadServer    string
	uploadEpochs    int
	uploadChunkSize string
	uploadParallel  int
	uploadShowBlob  bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file through a running Floe gateway",
	Long: `Upload a file through a running Floe gateway.

The file is split into chunks, uploaded with bounded parallelism and
per-chunk retries, then finalized. On success the minted file ID is
printed.

Examples:
  floe upload ./video.mp4
  floe upload --server https://floe.example --epochs 10 ./backup.tar
  floe upload --chunk-size 10Mi --parallel 8 ./dataset.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadServer, "server", "http://localhost:8080", "Gateway base URL")
	uploadCmd.Flags().IntVar(&uploadEpochs, "epochs", 0, "Walrus storage duration in epochs (0 = server default)")
	uploadCmd.Flags().StringVar(&uploadChunkSize, "chunk-size", "", "Chunk size, e.g. 5Mi (empty = server default)")
	uploadCmd.Flags().IntVar(&uploadParallel, "parallel", 4, "Concurrent chunk uploads")
	uploadCmd.Flags().BoolVar(&uploadShowBlob, "include-blob-id", false, "Print the Walrus blob ID as well")
}

type createResponse struct {
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int64  `json:"totalChunks"`
	Epochs      int    `json:"epochs"`
}

type finalizeResponse struct {
	FileID    string `json:"fileId"`
	BlobID    string `json:"blobId"`
	SizeBytes int64  `json:"sizeBytes"`
	Status    string `json:"status"`
}

func runUpload(cmd *cobra.Command, args []string) error {
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect content type: %w", err)
	}

	var chunkSize int64
	if uploadChunkSize != "" {
		size, err := bytesize.Parse(uploadChunkSize)
		if err != nil {
			return fmt.Errorf("invalid --chunk-size: %w", err)
		}
		chunkSize = size.Int64()
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	ctx := cmd.Context()

	created, err := createSession(ctx, client, createParams{
		Filename:    filepath.Base(path),
		ContentType: mime.String(),
		SizeBytes:   info.Size(),
		ChunkSize:   chunkSize,
		Epochs:      uploadEpochs,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Uploading %s (%s, %d chunks of %s)\n",
		filepath.Base(path), bytesize.ByteSize(info.Size()), created.TotalChunks, bytesize.ByteSize(created.ChunkSize))

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallel)
	for index := int64(0); index < created.TotalChunks; index++ {
		index := index
		g.Go(func() error {
			return uploadChunk(gctx, client, f, created, index, info.Size())
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("chunk upload failed: %w", err)
	}

	result, err := completeUpload(ctx, client, created.UploadID)
	if err != nil {
		return err
	}

	fmt.Printf("Upload complete: %d bytes\n", result.SizeBytes)
	fmt.Printf("  File ID: %s\n", result.FileID)
	if uploadShowBlob && result.BlobID != "" {
		fmt.Printf("  Blob ID: %s\n", result.BlobID)
	}
	return nil
}

type createParams struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	ChunkSize   int64  `json:"chunkSize,omitempty"`
	Epochs      int    `json:"epochs,omitempty"`
}

func createSession(ctx context.Context, client *http.Client, params createParams) (*createResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadServer+"/v1/uploads/create", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var created createResponse
	if err := doJSON(client, req, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	return &created, nil
}

// uploadChunk reads one chunk of the file and uploads it, retrying
// transient failures a few times with a short pause.
func uploadChunk(ctx context.Context, client *http.Client, f *os.File, created *createResponse, index, fileSize int64) error {
	offset := index * created.ChunkSize
	length := created.ChunkSize
	if offset+length > fileSize {
		length = fileSize - offset
	}

	data := make([]byte, length)
	if _, err := f.ReadAt(data, offset); err != nil {
		return fmt.Errorf("read chunk %d: %w", index, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	const attempts = 3
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = putChunk(ctx, client, created.UploadID, index, data, hash)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("chunk %d: %w", index, lastErr)
}

func putChunk(ctx context.Context, client *http.Client, uploadID string, index int64, data []byte, hash string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("chunk", "chunk.bin")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/uploads/%s/chunk/%d", uploadServer, uploadID, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-chunk-sha256", hash)

	return doJSON(client, req, http.StatusOK, nil)
}

func completeUpload(ctx context.Context, client *http.Client, uploadID string) (*finalizeResponse, error) {
	url := uploadServer + "/v1/uploads/" + uploadID + "/complete"
	if uploadShowBlob {
		url += "?includeBlobId=1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}

	var result finalizeResponse
	if err := doJSON(client, req, http.StatusOK, &result); err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return &result, nil
}

// doJSON executes a request and decodes either the expected response or
// the gateway's error envelope.
func doJSON(client *http.Client, req *http.Request, wantStatus int, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
