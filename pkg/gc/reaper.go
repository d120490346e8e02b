// Package gc implements background lifecycle hygiene: the reaper that
// collects expired, canceled and failed uploads, and the startup
// reconciler that adopts orphaned disk artifacts back into the lifecycle.
package gc

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
	"github.com/floelabs/floe/pkg/metrics"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
)

// Config tunes the reaper.
type Config struct {
	// Interval between reap cycles. Default: 5m.
	Interval time.Duration

	// MtimeGrace is how long a chunk directory must sit untouched before
	// its artifacts may be deleted. Protects in-flight chunk writes from
	// racing the reaper. Default: 15m.
	MtimeGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MtimeGrace <= 0 {
		c.MtimeGrace = 15 * time.Minute
	}
}

// Reaper walks the GC index and purges uploads whose lifecycle ended.
type Reaper struct {
	cfg      Config
	kv       kv.Store
	sessions *upload.Service
	chunks   *chunkstore.Store
	metrics  *metrics.GatewayMetrics
	running  atomic.Bool
}

// NewReaper creates a reaper. metrics may be nil.
func NewReaper(cfg Config, store kv.Store, sessions *upload.Service, chunks *chunkstore.Store, m *metrics.GatewayMetrics) *Reaper {
	cfg.applyDefaults()
	return &Reaper{cfg: cfg, kv: store, sessions: sessions, chunks: chunks, metrics: m}
}

// Run executes reap cycles until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reap cycle failed", logger.Err(err))
			}
		}
	}
}

// RunOnce performs a single reap cycle. Overlapping cycles are skipped,
// not queued: a slow cycle must not stack up behind the ticker.
func (r *Reaper) RunOnce(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		logger.Debug("reap cycle already running, skipping")
		return nil
	}
	defer r.running.Store(false)

	ids, err := r.kv.SMembers(ctx, upload.GCActiveKey())
	if err != nil {
		return err
	}
	r.metrics.SetActiveUploads(int64(len(ids)))

	for _, uploadID := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reapOne(ctx, uploadID); err != nil {
			logger.Warn("reap failed for upload", logger.UploadID(uploadID), logger.Err(err))
		}
	}
	return nil
}

// reapOne evaluates one upload and purges it if its lifecycle ended.
func (r *Reaper) reapOne(ctx context.Context, uploadID string) error {
	// Never touch an upload mid-finalization. The lease TTL guarantees a
	// crashed finalizer unblocks collection eventually.
	if _, err := r.kv.Get(ctx, upload.FinalizeLockKey(uploadID)); err == nil {
		return nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	session, err := r.sessions.Get(ctx, uploadID)
	if errors.Is(err, upload.ErrSessionNotFound) {
		return r.reapSessionless(ctx, uploadID)
	}
	if errors.Is(err, upload.ErrCorruptSession) {
		// Unreadable records cannot progress. Expire and purge.
		return r.purge(ctx, uploadID, upload.StatusExpired, "expired")
	}
	if err != nil {
		return err
	}

	switch {
	case session.Status.Collectible():
		return r.purge(ctx, uploadID, session.Status, string(session.Status))
	case time.Now().After(session.ExpiresAt):
		return r.purge(ctx, uploadID, upload.StatusExpired, "expired")
	default:
		return nil
	}
}

// reapSessionless handles index members whose session key is gone: the
// TTL fired, or a finalize committed but crashed before pruning the index.
func (r *Reaper) reapSessionless(ctx context.Context, uploadID string) error {
	meta, err := r.sessions.Meta(ctx, uploadID)
	if err != nil {
		return err
	}

	if meta.Status == upload.StatusCompleted {
		// Commit residue: the asset is live, only the index entry and any
		// leftover disk artifacts need to go.
		if err := r.cleanupDisk(uploadID); err != nil {
			return err
		}
		if err := r.kv.SRem(ctx, upload.GCActiveKey(), uploadID); err != nil {
			return err
		}
		r.metrics.RecordReaped("completed_residue")
		return nil
	}

	status := meta.Status
	if !status.Collectible() {
		// Session expired out from under an active upload.
		status = upload.StatusExpired
	}
	return r.purge(ctx, uploadID, status, string(status))
}

// purge removes every artifact of a dead upload: disk first (guarded by
// the mtime grace), then the control-plane records in one atomic batch.
// Meta keeps its terminal state and decays by TTL.
func (r *Reaper) purge(ctx context.Context, uploadID string, status upload.Status, reason string) error {
	if fresh, err := r.recentlyTouched(uploadID); err != nil {
		return err
	} else if fresh {
		return nil
	}

	if err := r.cleanupDisk(uploadID); err != nil {
		return err
	}

	err := r.kv.Multi(ctx,
		kv.HSetOp(upload.MetaKey(uploadID), upload.MetaStatusFields(status, time.Now()), r.sessions.MetaTTL()),
		kv.DelOp(upload.SessionKey(uploadID)),
		kv.DelOp(upload.ChunksKey(uploadID)),
		kv.SRemOp(upload.GCActiveKey(), uploadID),
	)
	if err != nil {
		return err
	}

	r.metrics.RecordReaped(reason)
	logger.Info("upload reaped", logger.UploadID(uploadID), logger.KeyStatus, string(status))
	return nil
}

// recentlyTouched reports whether the upload saw a disk write inside
// the grace window. The assembled file is the most recent artifact when
// present; otherwise the chunk directory mtime decides.
func (r *Reaper) recentlyTouched(uploadID string) (bool, error) {
	if info, err := os.Stat(r.chunks.AssembledPath(uploadID)); err == nil {
		if time.Since(info.ModTime()) < r.cfg.MtimeGrace {
			return true, nil
		}
	}
	info, err := os.Stat(r.chunks.UploadDir(uploadID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) < r.cfg.MtimeGrace, nil
}

func (r *Reaper) cleanupDisk(uploadID string) error {
	return r.chunks.Cleanup(uploadID)
}
