package gc_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/floelabs/floe/pkg/gc"
	"github.com/floelabs/floe/pkg/kv"
	badgerkv "github.com/floelabs/floe/pkg/kv/badger"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
)

type fixture struct {
	store    kv.Store
	sessions *upload.Service
	chunks   *chunkstore.Store
	reaper   *gc.Reaper
}

func newFixture(t *testing.T, cfg gc.Config) *fixture {
	t.Helper()
	store, err := badgerkv.New("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)

	sessions := upload.NewService(store, upload.Config{})
	return &fixture{
		store:    store,
		sessions: sessions,
		chunks:   chunks,
		reaper:   gc.NewReaper(cfg, store, sessions, chunks, nil),
	}
}

func (f *fixture) createUpload(t *testing.T) *upload.Session {
	t.Helper()
	session, err := f.sessions.Create(context.Background(), upload.CreateParams{
		Filename: "f", ContentType: "text/plain", SizeBytes: 1024,
	})
	require.NoError(t, err)
	return session
}

// landChunk writes one chunk and backdates the directory mtime so the
// grace window does not protect it.
func (f *fixture) landStaleChunk(t *testing.T, uploadID string) {
	t.Helper()
	data := []byte("chunk data")
	sum := sha256.Sum256(data)
	err := f.chunks.WriteChunk(context.Background(), uploadID, 0, bytes.NewReader(data), hex.EncodeToString(sum[:]), int64(len(data)), true)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(f.chunks.UploadDir(uploadID), old, old))
}

func expireSession(t *testing.T, store kv.Store, uploadID string) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	err := store.HSet(context.Background(), upload.SessionKey(uploadID), map[string]string{
		"expiresAt": millis(past),
	}, 0)
	require.NoError(t, err)
}

func millis(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

func TestReaperIgnoresHealthyUploads(t *testing.T) {
	f := newFixture(t, gc.Config{})
	session := f.createUpload(t)

	require.NoError(t, f.reaper.RunOnce(context.Background()))

	_, err := f.sessions.Get(context.Background(), session.UploadID)
	require.NoError(t, err)
	active, err := f.sessions.ActiveCount(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, active)
}

func TestReaperPurgesExpiredSession(t *testing.T) {
	f := newFixture(t, gc.Config{})
	ctx := context.Background()
	session := f.createUpload(t)
	f.landStaleChunk(t, session.UploadID)
	expireSession(t, f.store, session.UploadID)

	require.NoError(t, f.reaper.RunOnce(ctx))

	_, err := f.sessions.Get(ctx, session.UploadID)
	require.ErrorIs(t, err, upload.ErrSessionNotFound)

	meta, err := f.sessions.Meta(ctx, session.UploadID)
	require.NoError(t, err)
	require.Equal(t, upload.StatusExpired, meta.Status)

	_, statErr := os.Stat(f.chunks.UploadDir(session.UploadID))
	require.True(t, os.IsNotExist(statErr))

	active, err := f.sessions.ActiveCount(ctx)
	require.NoError(t, err)
	require.Zero(t, active)
}

func TestReaperRespectsMtimeGrace(t *testing.T) {
	f := newFixture(t, gc.Config{MtimeGrace: time.Hour})
	ctx := context.Background()
	session := f.createUpload(t)

	// Fresh chunk activity inside the grace window.
	data := []byte("chunk data")
	sum := sha256.Sum256(data)
	require.NoError(t, f.chunks.WriteChunk(ctx, session.UploadID, 0, bytes.NewReader(data), hex.EncodeToString(sum[:]), int64(len(data)), true))
	expireSession(t, f.store, session.UploadID)

	require.NoError(t, f.reaper.RunOnce(ctx))

	// Still indexed and still on disk: the grace window held.
	_, statErr := os.Stat(f.chunks.UploadDir(session.UploadID))
	require.NoError(t, statErr)
	active, err := f.sessions.ActiveCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, active)
}

func TestReaperGraceCoversAssembledFile(t *testing.T) {
	f := newFixture(t, gc.Config{MtimeGrace: time.Hour})
	ctx := context.Background()
	session := f.createUpload(t)
	f.landStaleChunk(t, session.UploadID)
	expireSession(t, f.store, session.UploadID)

	// The chunk directory is stale, but a finalize just assembled the
	// file: the freshest artifact wins.
	_, err := f.chunks.Assemble(ctx, session.UploadID, 1)
	require.NoError(t, err)

	require.NoError(t, f.reaper.RunOnce(ctx))

	_, statErr := os.Stat(f.chunks.AssembledPath(session.UploadID))
	require.NoError(t, statErr)
	active, err := f.sessions.ActiveCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, active)

	// Once the assembled file goes stale too, collection proceeds.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(f.chunks.AssembledPath(session.UploadID), old, old))
	require.NoError(t, f.reaper.RunOnce(ctx))

	_, statErr = os.Stat(f.chunks.AssembledPath(session.UploadID))
	require.True(t, os.IsNotExist(statErr))
}

func TestReaperSkipsLockedUploads(t *testing.T) {
	f := newFixture(t, gc.Config{})
	ctx := context.Background()
	session := f.createUpload(t)
	f.landStaleChunk(t, session.UploadID)
	expireSession(t, f.store, session.UploadID)

	ok, err := f.store.SetNX(ctx, upload.FinalizeLockKey(session.UploadID), "token", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.reaper.RunOnce(ctx))

	// Untouched while the finalize lease is held.
	active, err := f.sessions.ActiveCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, active)
}

func TestReaperPurgesCanceledUpload(t *testing.T) {
	f := newFixture(t, gc.Config{})
	ctx := context.Background()
	session := f.createUpload(t)
	f.landStaleChunk(t, session.UploadID)

	// Cancel removes the session and the index entry already; leave only
	// disk residue plus a canceled meta, then re-add to the index to
	// simulate a crash between the two steps.
	require.NoError(t, f.sessions.Cancel(ctx, session.UploadID))
	require.NoError(t, f.store.SAdd(ctx, upload.GCActiveKey(), session.UploadID))

	require.NoError(t, f.reaper.RunOnce(ctx))

	_, statErr := os.Stat(f.chunks.UploadDir(session.UploadID))
	require.True(t, os.IsNotExist(statErr))
	active, err := f.sessions.ActiveCount(ctx)
	require.NoError(t, err)
	require.Zero(t, active)

	meta, err := f.sessions.Meta(ctx, session.UploadID)
	require.NoError(t, err)
	require.Equal(t, upload.StatusCanceled, meta.Status)
}

func TestReaperCleansCompletedResidue(t *testing.T) {
	f := newFixture(t, gc.Config{})
	ctx := context.Background()
	session := f.createUpload(t)
	f.landStaleChunk(t, session.UploadID)

	// Simulate a finalize that committed but crashed before pruning:
	// meta completed, session gone, index entry still present.
	require.NoError(t, f.store.HSet(ctx, upload.MetaKey(session.UploadID),
		upload.MetaCommitFields("0xfile", "blob1", 1024, time.Now()), 0))
	require.NoError(t, f.store.Del(ctx, upload.SessionKey(session.UploadID)))

	require.NoError(t, f.reaper.RunOnce(ctx))

	active, err := f.sessions.ActiveCount(ctx)
	require.NoError(t, err)
	require.Zero(t, active)

	// Meta keeps the commit triple.
	meta, err := f.sessions.Meta(ctx, session.UploadID)
	require.NoError(t, err)
	require.Equal(t, upload.StatusCompleted, meta.Status)
	require.Equal(t, "0xfile", meta.FileID)
}

func TestReconcileOrphansAdoptsUnknownArtifacts(t *testing.T) {
	f := newFixture(t, gc.Config{})
	ctx := context.Background()

	orphanID := "9f1c0e4a-7b2d-4a6e-9c3f-1a2b3c4d5e6f"
	f.landStaleChunk(t, orphanID)

	adopted, err := gc.ReconcileOrphans(ctx, f.store, f.chunks, f.sessions)
	require.NoError(t, err)
	require.Equal(t, 1, adopted)

	active, err := f.sessions.ActiveCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, active)

	meta, err := f.sessions.Meta(ctx, orphanID)
	require.NoError(t, err)
	require.Equal(t, upload.StatusExpired, meta.Status)
	require.False(t, meta.RecoveredAt.IsZero())

	// The next reap cycle collects the adopted orphan.
	require.NoError(t, f.reaper.RunOnce(ctx))
	_, statErr := os.Stat(f.chunks.UploadDir(orphanID))
	require.True(t, os.IsNotExist(statErr))
}

func TestReconcileOrphansSkipsKnownUploads(t *testing.T) {
	f := newFixture(t, gc.Config{})
	ctx := context.Background()
	session := f.createUpload(t)
	f.landStaleChunk(t, session.UploadID)

	adopted, err := gc.ReconcileOrphans(ctx, f.store, f.chunks, f.sessions)
	require.NoError(t, err)
	require.Zero(t, adopted)
}

func TestReconcileOrphansIgnoresForeignDirs(t *testing.T) {
	f := newFixture(t, gc.Config{})

	require.NoError(t, os.MkdirAll(f.chunks.Dir()+"/not-a-uuid", 0o755))
	require.NoError(t, os.WriteFile(f.chunks.Dir()+"/notes.txt", []byte("x"), 0o644))

	adopted, err := gc.ReconcileOrphans(context.Background(), f.store, f.chunks, f.sessions)
	require.NoError(t, err)
	require.Zero(t, adopted)
}
