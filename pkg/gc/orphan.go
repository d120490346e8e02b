package gc

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
)

// ReconcileOrphans scans the chunk directory for artifacts whose upload
// is unknown to the control plane and adopts them into the GC index so
// the reaper collects them after the grace window.
//
// Runs once at startup: orphans appear when the process crashes between
// landing chunks and recording state, or when the KV store lost data.
func ReconcileOrphans(ctx context.Context, store kv.Store, chunks *chunkstore.Store, sessions *upload.Service) (int, error) {
	entries, err := os.ReadDir(chunks.Dir())
	if err != nil {
		return 0, err
	}

	members, err := store.SMembers(ctx, upload.GCActiveKey())
	if err != nil {
		return 0, err
	}
	indexed := make(map[string]bool, len(members))
	for _, member := range members {
		indexed[member] = true
	}

	adopted := 0
	seen := make(map[string]bool)
	for _, entry := range entries {
		uploadID := entry.Name()
		if !entry.IsDir() {
			// Assembled leftovers are named <uploadId>.bin.
			var ok bool
			uploadID, ok = strings.CutSuffix(uploadID, ".bin")
			if !ok {
				continue
			}
		}
		if seen[uploadID] {
			continue
		}
		seen[uploadID] = true

		if _, err := uuid.Parse(uploadID); err != nil {
			continue
		}
		if indexed[uploadID] {
			continue
		}
		if _, err := sessions.Get(ctx, uploadID); err == nil {
			// Live session missing only its index membership: the session
			// record wins, re-index without touching meta.
			if err := store.SAdd(ctx, upload.GCActiveKey(), uploadID); err != nil {
				return adopted, err
			}
			continue
		} else if !errors.Is(err, upload.ErrSessionNotFound) && !errors.Is(err, upload.ErrCorruptSession) {
			return adopted, err
		}

		err = store.Multi(ctx,
			kv.SAddOp(upload.GCActiveKey(), uploadID),
			kv.HSetOp(upload.MetaKey(uploadID), upload.MetaRecoveredFields(time.Now()), sessions.MetaTTL()),
		)
		if err != nil {
			return adopted, err
		}
		adopted++
		logger.Warn("orphaned upload artifacts adopted", logger.UploadID(uploadID))
	}

	if adopted > 0 {
		logger.Info("orphan reconciliation finished", "adopted", adopted)
	}
	return adopted, nil
}
