package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
	"github.com/floelabs/floe/pkg/metrics"
	"github.com/floelabs/floe/pkg/sui"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
)

var (
	// ErrIncompleteChunks means the received-chunk count is short of the
	// session total. The client must upload the rest first.
	ErrIncompleteChunks = errors.New("finalize: not all chunks received")

	// ErrMissingChunks means the KV index claims completeness but chunk
	// files are missing on disk. Not client-fixable by retrying finalize.
	ErrMissingChunks = errors.New("finalize: chunk files missing on disk")

	// ErrLeaseLost means the finalize lease was observed held by another
	// actor mid-protocol. No terminal state was written.
	ErrLeaseLost = errors.New("finalize: lease lost")

	// ErrUploadNotFinalizable means the upload was canceled or expired.
	// A failed upload is not in this set: it may re-enter finalization.
	ErrUploadNotFinalizable = errors.New("finalize: upload not finalizable")
)

// BlobPublisher publishes an assembled file and returns the blob ID and
// outcome classification. Satisfied by *walrus.Coordinator.
type BlobPublisher interface {
	PublishFile(ctx context.Context, path string, epochs int) (blobID, outcome string, err error)
}

// FileMinter mints the on-chain file object for a published blob.
type FileMinter interface {
	MintFile(ctx context.Context, params sui.MintParams) (fileID string, err error)
}

// Config tunes the finalize engine.
type Config struct {
	// FieldsCacheTTL bounds the eager asset-fields cache entry written at
	// mint time. Default: 5m.
	FieldsCacheTTL time.Duration

	// Owner optionally pins minted objects to an address.
	Owner string
}

// Engine drives the finalization protocol for one gateway instance.
type Engine struct {
	cfg      Config
	kv       kv.Store
	sessions *upload.Service
	chunks   *chunkstore.Store
	blobs    BlobPublisher
	minter   FileMinter
	metrics  *metrics.GatewayMetrics
}

// NewEngine creates a finalize engine. metrics may be nil.
func NewEngine(cfg Config, store kv.Store, sessions *upload.Service, chunks *chunkstore.Store, blobs BlobPublisher, minter FileMinter, m *metrics.GatewayMetrics) *Engine {
	if cfg.FieldsCacheTTL <= 0 {
		cfg.FieldsCacheTTL = 5 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		kv:       store,
		sessions: sessions,
		chunks:   chunks,
		blobs:    blobs,
		minter:   minter,
		metrics:  m,
	}
}

// Result is the commit triple handed back to the client.
type Result struct {
	FileID    string `json:"fileId"`
	BlobID    string `json:"blobId"`
	SizeBytes int64  `json:"sizeBytes"`

	// Replayed is true when finalize found an already-completed upload
	// and returned the recorded triple without doing any work.
	Replayed bool `json:"-"`
}

// Finalize runs the finalization protocol for an upload.
//
// The protocol is checkpointed so a crashed, failed or retried finalize
// resumes instead of repeating side effects: a recorded blob ID skips
// assembly and publish, a recorded file ID skips the mint. Exactly one
// finalizer runs at a time per upload, enforced by the lease; everything
// after a lost lease is abandoned without writing terminal state.
func (e *Engine) Finalize(ctx context.Context, uploadID string) (*Result, error) {
	start := time.Now()

	// Fast path: already completed. No lease needed to replay the triple.
	meta, err := e.sessions.Meta(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if meta.Status == upload.StatusCompleted {
		e.metrics.RecordFinalize("replayed", time.Since(start))
		return &Result{FileID: meta.FileID, BlobID: meta.BlobID, SizeBytes: meta.SizeBytes, Replayed: true}, nil
	}
	// A failed finalize re-enters the protocol: the publish and mint
	// checkpoints make a full retry safe, so the client just re-invokes
	// the same call. Only canceled and expired uploads are refused.
	if meta.Status == upload.StatusCanceled || meta.Status == upload.StatusExpired {
		return nil, fmt.Errorf("%w: status %s", ErrUploadNotFinalizable, meta.Status)
	}

	session, err := e.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	lock, err := acquireLease(ctx, e.kv, uploadID)
	if err != nil {
		if errors.Is(err, upload.ErrFinalizationInProgress) {
			e.metrics.RecordFinalize("conflict", time.Since(start))
		}
		return nil, err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	// Re-check under the lease: a concurrent finalizer may have committed
	// between the fast path and acquisition.
	meta, err = e.sessions.Meta(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if meta.Status == upload.StatusCompleted {
		e.metrics.RecordFinalize("replayed", time.Since(start))
		return &Result{FileID: meta.FileID, BlobID: meta.BlobID, SizeBytes: meta.SizeBytes, Replayed: true}, nil
	}

	result, err := e.run(ctx, session, meta, lock)
	if err != nil {
		if lock.Lost() || errors.Is(err, ErrLeaseLost) {
			// Another actor may own the upload now. Do not write failed.
			e.metrics.RecordFinalize("conflict", time.Since(start))
			return nil, ErrLeaseLost
		}
		if errors.Is(err, ErrIncompleteChunks) {
			// Client-fixable: the upload stays open for the missing chunks.
			e.metrics.RecordFinalize("failed", time.Since(start))
			return nil, err
		}
		e.markFailed(context.WithoutCancel(ctx), uploadID, err)
		e.metrics.RecordFinalize("failed", time.Since(start))
		return nil, err
	}

	e.metrics.RecordFinalize("completed", time.Since(start))
	logger.Info("upload finalized",
		logger.UploadID(uploadID),
		logger.FileID(result.FileID),
		logger.BlobID(result.BlobID),
		logger.DurationMs(float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// run executes the protocol body under the lease.
func (e *Engine) run(ctx context.Context, session *upload.Session, meta *upload.Meta, lock *lease) (*Result, error) {
	uploadID := session.UploadID

	// Integrity gate: the KV index and the disk must both be complete.
	count, err := e.sessions.ReceivedCount(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if count < session.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d", ErrIncompleteChunks, count, session.TotalChunks)
	}
	if meta.BlobID == "" {
		onDisk, err := e.chunks.ListChunks(uploadID)
		if err != nil {
			return nil, err
		}
		if int64(len(onDisk)) < session.TotalChunks {
			return nil, fmt.Errorf("%w: %d of %d", ErrMissingChunks, len(onDisk), session.TotalChunks)
		}
	}

	now := time.Now()
	err = e.kv.Multi(ctx,
		kv.HSetOp(upload.MetaKey(uploadID), upload.MetaStatusFields(upload.StatusFinalizing, now), 0),
		kv.HSetOp(upload.SessionKey(uploadID), map[string]string{"status": string(upload.StatusFinalizing)}, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("mark finalizing: %w", err)
	}

	// Publish checkpoint: a recorded blob ID means the blob is durable
	// upstream and assembly/publish must not run again.
	blobID := meta.BlobID
	if blobID == "" {
		assembled, err := e.chunks.Assemble(ctx, uploadID, session.TotalChunks)
		if err != nil {
			return nil, fmt.Errorf("assemble upload: %w", err)
		}

		var outcome string
		blobID, outcome, err = e.blobs.PublishFile(ctx, assembled, session.Epochs)
		if err != nil {
			return nil, fmt.Errorf("publish blob (%s): %w", outcome, err)
		}
		if lock.Lost() {
			return nil, ErrLeaseLost
		}
		err = e.kv.HSet(ctx, upload.MetaKey(uploadID), upload.MetaBlobCheckpointFields(blobID, time.Now()), 0)
		if err != nil {
			return nil, fmt.Errorf("record publish checkpoint: %w", err)
		}
	}

	// Mint checkpoint.
	fileID := meta.FileID
	if fileID == "" {
		fileID, err = e.minter.MintFile(ctx, sui.MintParams{
			BlobID:    blobID,
			SizeBytes: session.SizeBytes,
			Mime:      session.ContentType,
			Owner:     e.cfg.Owner,
		})
		if err != nil {
			return nil, fmt.Errorf("mint file object: %w", err)
		}
		if lock.Lost() {
			return nil, ErrLeaseLost
		}
		err = e.kv.HSet(ctx, upload.MetaKey(uploadID), upload.MetaFileCheckpointFields(fileID, time.Now()), 0)
		if err != nil {
			return nil, fmt.Errorf("record mint checkpoint: %w", err)
		}
		e.cacheFields(ctx, fileID, blobID, session)
	}

	// Disk artifacts are no longer needed whatever happens next.
	if err := e.chunks.Cleanup(uploadID); err != nil {
		logger.Warn("chunk cleanup failed", logger.UploadID(uploadID), logger.Err(err))
	}

	if lock.Lost() {
		return nil, ErrLeaseLost
	}

	err = e.kv.Multi(ctx,
		kv.HSetOp(upload.MetaKey(uploadID), upload.MetaCommitFields(fileID, blobID, session.SizeBytes, time.Now()), e.sessions.MetaTTL()),
		kv.DelOp(upload.SessionKey(uploadID)),
		kv.DelOp(upload.ChunksKey(uploadID)),
		kv.SRemOp(upload.GCActiveKey(), uploadID),
	)
	if err != nil {
		return nil, fmt.Errorf("commit finalization: %w", err)
	}

	return &Result{FileID: fileID, BlobID: blobID, SizeBytes: session.SizeBytes}, nil
}

// cacheFields eagerly seeds the asset-fields cache so the first read after
// finalize does not hit the chain. Best-effort.
func (e *Engine) cacheFields(ctx context.Context, fileID, blobID string, session *upload.Session) {
	snapshot, err := json.Marshal(map[string]any{
		"blobId": blobID,
		"size":   session.SizeBytes,
		"mime":   session.ContentType,
	})
	if err != nil {
		return
	}
	if err := e.kv.Set(ctx, upload.FileFieldsKey(fileID), string(snapshot), e.cfg.FieldsCacheTTL); err != nil {
		logger.Warn("asset-fields cache write failed", logger.FileID(fileID), logger.Err(err))
	}
}

// markFailed records a failed finalization on meta. The session stays so
// diagnostics remain possible until the reaper collects it.
func (e *Engine) markFailed(ctx context.Context, uploadID string, cause error) {
	err := e.kv.HSet(ctx, upload.MetaKey(uploadID), upload.MetaFailedFields(cause.Error(), time.Now()), 0)
	if err != nil {
		logger.Error("failed to record finalize failure", logger.UploadID(uploadID), logger.Err(err))
	}
}
