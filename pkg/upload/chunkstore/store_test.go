package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestNewRejectsDangerousDirs(t *testing.T) {
	_, err := New("relative/path")
	require.Error(t, err)

	_, err = New("/")
	require.Error(t, err)

	_, err = New("/home")
	require.Error(t, err)
}

func TestWriteChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("a"), 1024)

	err := s.WriteChunk(ctx, "up1", 0, bytes.NewReader(data), digest(data), 1024, false)
	require.NoError(t, err)
	require.True(t, s.HasChunk("up1", 0))

	got, err := os.ReadFile(s.ChunkPath("up1", 0))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteChunkIdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("hello chunk")

	require.NoError(t, s.WriteChunk(ctx, "up1", 3, bytes.NewReader(data), digest(data), int64(len(data)), false))

	// Replay with garbage input still succeeds: the final file wins.
	err := s.WriteChunk(ctx, "up1", 3, bytes.NewReader([]byte("different")), "nothex", 4, false)
	require.NoError(t, err)

	got, err := os.ReadFile(s.ChunkPath("up1", 3))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteChunkHashMismatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("payload")

	err := s.WriteChunk(context.Background(), "up1", 0, bytes.NewReader(data), digest([]byte("other")), int64(len(data)), false)
	require.ErrorIs(t, err, ErrHashMismatch)
	require.False(t, s.HasChunk("up1", 0))

	// No temp left behind either.
	_, statErr := os.Stat(s.ChunkPath("up1", 0) + ".tmp")
	require.True(t, os.IsNotExist(statErr))
}

func TestWriteChunkTooLarge(t *testing.T) {
	s := newTestStore(t)
	data := bytes.Repeat([]byte("x"), 100)

	err := s.WriteChunk(context.Background(), "up1", 0, bytes.NewReader(data), digest(data), 50, false)
	require.ErrorIs(t, err, ErrChunkTooLarge)
	require.False(t, s.HasChunk("up1", 0))
}

func TestWriteChunkSizePolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 100)

	// Non-last chunk must be exactly expectedSize.
	err := s.WriteChunk(ctx, "up1", 0, bytes.NewReader(data), digest(data), 200, false)
	require.ErrorIs(t, err, ErrChunkSizeMismatch)

	// Last chunk may be short but not empty.
	err = s.WriteChunk(ctx, "up1", 1, bytes.NewReader(data), digest(data), 200, true)
	require.NoError(t, err)

	err = s.WriteChunk(ctx, "up1", 2, bytes.NewReader(nil), digest(nil), 200, true)
	require.ErrorIs(t, err, ErrInvalidLastChunkSize)
}

func TestWriteChunkInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("data")

	// Simulate a concurrent writer holding the temp file.
	require.NoError(t, os.MkdirAll(s.UploadDir("up1"), 0o755))
	tmp := s.ChunkPath("up1", 0) + ".tmp"
	require.NoError(t, os.WriteFile(tmp, nil, 0o644))

	err := s.WriteChunk(ctx, "up1", 0, bytes.NewReader(data), digest(data), int64(len(data)), false)
	require.ErrorIs(t, err, ErrChunkInProgress)
}

func TestWriteChunkReclaimsStaleTemp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("data")

	require.NoError(t, os.MkdirAll(s.UploadDir("up1"), 0o755))
	tmp := s.ChunkPath("up1", 0) + ".tmp"
	require.NoError(t, os.WriteFile(tmp, nil, 0o644))
	stale := time.Now().Add(-staleTempAge - time.Minute)
	require.NoError(t, os.Chtimes(tmp, stale, stale))

	err := s.WriteChunk(ctx, "up1", 0, bytes.NewReader(data), digest(data), int64(len(data)), false)
	require.NoError(t, err)
	require.True(t, s.HasChunk("up1", 0))
}

func TestListChunksSortedAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, idx := range []int64{2, 0, 1} {
		data := []byte{byte(idx)}
		require.NoError(t, s.WriteChunk(ctx, "up1", idx, bytes.NewReader(data), digest(data), 1, idx == 2))
	}
	// Noise that must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.UploadDir("up1"), "5.tmp"), nil, 0o644))

	indices, err := s.ListChunks("up1")
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, indices)
}

func TestAssembleOrderIndependence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := [][]byte{
		bytes.Repeat([]byte("A"), 300),
		bytes.Repeat([]byte("B"), 300),
		bytes.Repeat([]byte("C"), 120),
	}

	// Upload out of order.
	for _, idx := range []int64{2, 0, 1} {
		data := chunks[idx]
		isLast := idx == 2
		require.NoError(t, s.WriteChunk(ctx, "up1", idx, bytes.NewReader(data), digest(data), 300, isLast))
	}

	path, err := s.Assemble(ctx, "up1", 3)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	want := bytes.Join(chunks, nil)
	require.Equal(t, want, got)
	require.Len(t, got, 720)
}

func TestAssembleMissingChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("only chunk zero")

	require.NoError(t, s.WriteChunk(ctx, "up1", 0, bytes.NewReader(data), digest(data), int64(len(data)), false))

	_, err := s.Assemble(ctx, "up1", 2)
	require.Error(t, err)

	// Failed assembly leaves no .bin behind.
	_, statErr := os.Stat(s.AssembledPath("up1"))
	require.True(t, os.IsNotExist(statErr))
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("x")

	require.NoError(t, s.WriteChunk(ctx, "up1", 0, bytes.NewReader(data), digest(data), 1, true))
	_, err := s.Assemble(ctx, "up1", 1)
	require.NoError(t, err)

	require.NoError(t, s.Cleanup("up1"))

	_, statErr := os.Stat(s.UploadDir("up1"))
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(s.AssembledPath("up1"))
	require.True(t, os.IsNotExist(statErr))

	// Cleanup of a missing upload is not an error.
	require.NoError(t, s.Cleanup("up1"))
}
