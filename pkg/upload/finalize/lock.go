// Package finalize implements the upload finalization protocol: the
// single-flight lease, the assemble/publish/mint checkpoints and the
// atomic commit that turns an upload session into a served asset.
package finalize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
	"github.com/floelabs/floe/pkg/upload"
)

const (
	// lockTTL bounds how long a crashed finalizer can block an upload.
	lockTTL = 15 * time.Minute

	// lockRefreshInterval keeps the lease alive while finalization runs
	// longer than the TTL headroom.
	lockRefreshInterval = 60 * time.Second
)

// lease is a single-flight finalize lock backed by SetNX with a random
// token. A background refresher extends the TTL; if the key disappears or
// carries a foreign token, the lease is flagged lost and never refreshed
// again.
type lease struct {
	kv    kv.Store
	key   string
	token string

	lost   atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// acquireLease takes the finalize lock for an upload, or returns
// upload.ErrFinalizationInProgress when another actor holds it.
func acquireLease(ctx context.Context, store kv.Store, uploadID string) (*lease, error) {
	l := &lease{
		kv:     store,
		key:    upload.FinalizeLockKey(uploadID),
		token:  uuid.New().String(),
		stopCh: make(chan struct{}),
	}

	ok, err := store.SetNX(ctx, l.key, l.token, lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, upload.ErrFinalizationInProgress
	}

	l.wg.Add(1)
	go l.refresh()
	return l, nil
}

// refresh extends the lease until stopped or lost. Refresh uses a
// background context: losing the caller's context must not drop a lease
// mid-commit.
func (l *lease) refresh() {
	defer l.wg.Done()
	ticker := time.NewTicker(lockRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			current, err := l.kv.Get(ctx, l.key)
			if err == nil && current == l.token {
				_, err = l.kv.Expire(ctx, l.key, lockTTL)
			}
			cancel()

			if errors.Is(err, kv.ErrNotFound) || (err == nil && current != l.token) {
				logger.Warn("finalize lease lost", "lock_key", l.key)
				l.lost.Store(true)
				return
			}
			if err != nil {
				// Transient store error: keep trying, the TTL has headroom.
				logger.Warn("finalize lease refresh failed", logger.Err(err))
			}
		}
	}
}

// Lost reports whether the lease was observed held by someone else.
// Once lost, the finalizer must not write terminal state.
func (l *lease) Lost() bool {
	return l.lost.Load()
}

// Release stops the refresher and deletes the lock if still owned.
func (l *lease) Release(ctx context.Context) {
	close(l.stopCh)
	l.wg.Wait()

	if l.lost.Load() {
		return
	}
	current, err := l.kv.Get(ctx, l.key)
	if err == nil && current == l.token {
		_ = l.kv.Del(ctx, l.key)
	}
}
