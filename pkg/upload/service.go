package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
)

// Config bounds session creation and the keyspace TTL policy.
type Config struct {
	// SessionTTL is how long a session may stay active. Default: 6h.
	SessionTTL time.Duration

	// MetaTTLExtra is added on top of SessionTTL for the meta record so
	// terminal state is observable after the session key is gone.
	// Default: 30m.
	MetaTTLExtra time.Duration

	// MinChunkSize and MaxChunkSize clamp the requested chunk size.
	// Defaults: 256 KiB and 20 MiB.
	MinChunkSize int64
	MaxChunkSize int64

	// DefaultChunkSize is used when the client does not request one.
	DefaultChunkSize int64

	// MaxFileSize caps sizeBytes. Default: 15 GiB.
	MaxFileSize int64

	// MaxTotalChunks caps the chunk count derived from sizeBytes and
	// chunkSize. Default: 200000.
	MaxTotalChunks int64

	// MaxEpochs clamps the storage duration. Default: 90.
	MaxEpochs int

	// DefaultEpochs is used when the client does not request one.
	DefaultEpochs int

	// MaxActiveUploads caps the GC index cardinality at create time.
	// Default: 100.
	MaxActiveUploads int64
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 6 * time.Hour
	}
	if c.MetaTTLExtra <= 0 {
		c.MetaTTLExtra = 30 * time.Minute
	}
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = 256 * 1024
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 20 * 1024 * 1024
	}
	if c.DefaultChunkSize <= 0 {
		c.DefaultChunkSize = 5 * 1024 * 1024
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 15 * 1024 * 1024 * 1024
	}
	if c.MaxTotalChunks <= 0 {
		c.MaxTotalChunks = 200000
	}
	if c.MaxEpochs <= 0 {
		c.MaxEpochs = 90
	}
	if c.DefaultEpochs <= 0 {
		c.DefaultEpochs = 5
	}
	if c.MaxActiveUploads <= 0 {
		c.MaxActiveUploads = 100
	}
}

// Service creates, loads and cancels upload sessions against the KV store.
type Service struct {
	kv  kv.Store
	cfg Config
}

// NewService creates a session service. Zero config fields get defaults.
func NewService(store kv.Store, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{kv: store, cfg: cfg}
}

// Config returns the effective configuration after defaults.
func (s *Service) Config() Config {
	return s.cfg
}

// MetaTTL is the TTL applied to meta records.
func (s *Service) MetaTTL() time.Duration {
	return s.cfg.SessionTTL + s.cfg.MetaTTLExtra
}

// CreateParams are the client-supplied session parameters. ChunkSize and
// Epochs may be zero to request defaults; both are clamped.
type CreateParams struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	ChunkSize   int64
	Epochs      int
}

// ErrTooManyChunks is returned when sizeBytes/chunkSize exceeds the
// configured chunk-count ceiling.
var ErrTooManyChunks = errors.New("too many chunks")

// Create validates capacity, clamps the tunables and atomically persists
// the session hash, the meta hash and the GC-index membership.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Session, error) {
	active, err := s.kv.SCard(ctx, GCActiveKey())
	if err != nil {
		return nil, fmt.Errorf("check upload capacity: %w", err)
	}
	if active >= s.cfg.MaxActiveUploads {
		return nil, ErrCapacityReached
	}

	chunkSize := params.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.cfg.DefaultChunkSize
	}
	chunkSize = clampInt64(chunkSize, s.cfg.MinChunkSize, s.cfg.MaxChunkSize)

	epochs := params.Epochs
	if epochs <= 0 {
		epochs = s.cfg.DefaultEpochs
	}
	epochs = clampInt(epochs, 1, s.cfg.MaxEpochs)

	totalChunks := (params.SizeBytes + chunkSize - 1) / chunkSize
	if totalChunks > s.cfg.MaxTotalChunks {
		return nil, ErrTooManyChunks
	}

	now := time.Now()
	session := &Session{
		UploadID:    uuid.New().String(),
		Filename:    params.Filename,
		ContentType: params.ContentType,
		SizeBytes:   params.SizeBytes,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Epochs:      epochs,
		Status:      StatusUploading,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}

	meta := map[string]string{
		fieldStatus:    string(StatusUploading),
		fieldCreatedAt: millis(now),
	}

	err = s.kv.Multi(ctx,
		kv.HSetOp(SessionKey(session.UploadID), encodeSession(session), s.cfg.SessionTTL),
		kv.HSetOp(MetaKey(session.UploadID), meta, s.MetaTTL()),
		kv.SAddOp(GCActiveKey(), session.UploadID),
	)
	if err != nil {
		return nil, fmt.Errorf("persist upload session: %w", err)
	}

	logger.Info("upload session created",
		logger.UploadID(session.UploadID),
		logger.KeySizeBytes, session.SizeBytes,
		logger.KeyTotalChunks, session.TotalChunks,
		logger.KeyEpochs, session.Epochs,
	)
	return session, nil
}

// Get loads a session. It never resurrects completed or canceled sessions:
// once the session key is gone, callers must consult Meta for terminal
// state.
func (s *Service) Get(ctx context.Context, uploadID string) (*Session, error) {
	fields, err := s.kv.HGetAll(ctx, SessionKey(uploadID))
	if err != nil {
		return nil, fmt.Errorf("load upload session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeSession(fields)
}

// Meta loads the durable meta record. A missing record yields a zero-value
// Meta with empty status, never an error.
func (s *Service) Meta(ctx context.Context, uploadID string) (*Meta, error) {
	fields, err := s.kv.HGetAll(ctx, MetaKey(uploadID))
	if err != nil {
		return nil, fmt.Errorf("load upload meta: %w", err)
	}
	return decodeMeta(fields), nil
}

// MarkChunkReceived records set membership for a persisted chunk.
func (s *Service) MarkChunkReceived(ctx context.Context, uploadID string, index int64) error {
	return s.kv.SAdd(ctx, ChunksKey(uploadID), strconv.FormatInt(index, 10))
}

// ReceivedCount returns how many distinct chunks have been received.
func (s *Service) ReceivedCount(ctx context.Context, uploadID string) (int64, error) {
	return s.kv.SCard(ctx, ChunksKey(uploadID))
}

// ReceivedChunks returns the received chunk indices in ascending order.
// Non-numeric members are ignored.
func (s *Service) ReceivedChunks(ctx context.Context, uploadID string) ([]int64, error) {
	members, err := s.kv.SMembers(ctx, ChunksKey(uploadID))
	if err != nil {
		return nil, err
	}
	indices := make([]int64, 0, len(members))
	for _, member := range members {
		if idx, err := strconv.ParseInt(member, 10, 64); err == nil {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

// Cancel idempotently cancels an upload: marks meta canceled, removes the
// session, chunk set and GC membership. It refuses while a finalize lease
// is held.
func (s *Service) Cancel(ctx context.Context, uploadID string) error {
	if _, err := s.kv.Get(ctx, FinalizeLockKey(uploadID)); err == nil {
		return ErrFinalizationInProgress
	} else if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("check finalize lock: %w", err)
	}

	meta, err := s.Meta(ctx, uploadID)
	if err != nil {
		return err
	}
	if meta.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}

	err = s.kv.Multi(ctx,
		kv.HSetOp(MetaKey(uploadID), map[string]string{
			fieldStatus:     string(StatusCanceled),
			fieldCanceledAt: millis(time.Now()),
		}, 0),
		kv.DelOp(SessionKey(uploadID)),
		kv.DelOp(ChunksKey(uploadID)),
		kv.SRemOp(GCActiveKey(), uploadID),
	)
	if err != nil {
		return fmt.Errorf("cancel upload: %w", err)
	}

	logger.Info("upload canceled", logger.UploadID(uploadID))
	return nil
}

// ActiveCount returns the GC index cardinality.
func (s *Service) ActiveCount(ctx context.Context) (int64, error) {
	return s.kv.SCard(ctx, GCActiveKey())
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

