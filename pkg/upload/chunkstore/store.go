// Package chunkstore persists uploaded chunks on the local filesystem.
//
// Layout under the tmp directory:
//
//	<tmp>/<uploadId>/<index>      one regular file per received chunk
//	<tmp>/<uploadId>/<index>.tmp  in-flight write (exclusive-create)
//	<tmp>/<uploadId>.bin          transient assembled file
//
// Chunk landing uses exclusive-create temp files plus atomic rename, which
// is safe for concurrent writers and crash replays without any lock.
package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/floelabs/floe/internal/logger"
)

var (
	// ErrChunkInProgress means another writer holds the temp file for the
	// same chunk and it is not stale yet. Retryable.
	ErrChunkInProgress = errors.New("chunk write in progress")

	// ErrHashMismatch means the streamed payload digest did not match the
	// expected SHA-256. The client must resend correct data.
	ErrHashMismatch = errors.New("chunk hash mismatch")

	// ErrChunkTooLarge means the stream exceeded the expected size.
	ErrChunkTooLarge = errors.New("chunk exceeds expected size")

	// ErrChunkSizeMismatch means a non-last chunk was not exactly the
	// session chunk size.
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")

	// ErrInvalidLastChunkSize means the last chunk was empty or oversized.
	ErrInvalidLastChunkSize = errors.New("invalid last chunk size")
)

// staleTempAge is how old an abandoned temp file must be before a new
// writer may reclaim it. Prevents indefinite lockout after crashes.
const staleTempAge = 10 * time.Minute

// Store writes and reads chunk files under a single tmp directory.
type Store struct {
	dir string
}

// New validates the tmp directory and probes it for writability.
//
// The directory must be an absolute path and must not be one of the
// dangerous roots ("/", "/home", $HOME): the reaper deletes recursively
// under it.
func New(dir string) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("tmp dir %q must be an absolute path", dir)
	}
	clean := filepath.Clean(dir)
	if clean == "/" || clean == "/home" {
		return nil, fmt.Errorf("tmp dir %q is not allowed", dir)
	}
	if home, err := os.UserHomeDir(); err == nil && clean == filepath.Clean(home) {
		return nil, fmt.Errorf("tmp dir %q is not allowed", dir)
	}

	if err := os.MkdirAll(clean, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	// Writability probe. Fail at startup, not at first upload.
	probe := filepath.Join(clean, ".floe-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("tmp dir %q is not writable: %w", dir, err)
	}
	_ = os.Remove(probe)

	return &Store{dir: clean}, nil
}

// Dir returns the tmp directory root.
func (s *Store) Dir() string {
	return s.dir
}

// UploadDir returns the chunk directory for an upload.
func (s *Store) UploadDir(uploadID string) string {
	return filepath.Join(s.dir, uploadID)
}

// ChunkPath returns the final path for a chunk file.
func (s *Store) ChunkPath(uploadID string, index int64) string {
	return filepath.Join(s.dir, uploadID, strconv.FormatInt(index, 10))
}

// AssembledPath returns the transient assembled-file path.
func (s *Store) AssembledPath(uploadID string) string {
	return filepath.Join(s.dir, uploadID+".bin")
}

// WriteChunk streams a chunk to disk with hash and size validation.
//
// The write is idempotent: if the final file already exists the call
// succeeds without consuming the stream. Concurrent writers race on an
// exclusive-create temp file; the loser gets ErrChunkInProgress unless
// the temp file is stale, in which case it is reclaimed once.
func (s *Store) WriteChunk(ctx context.Context, uploadID string, index int64, r io.Reader, expectedHash string, expectedSize int64, isLast bool) error {
	if err := os.MkdirAll(s.UploadDir(uploadID), 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	finalPath := s.ChunkPath(uploadID, index)
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	}

	tmpPath := finalPath + ".tmp"
	f, err := openExclusive(tmpPath)
	if errors.Is(err, os.ErrExist) {
		// Lost the race, or a crashed writer left the temp behind.
		if _, statErr := os.Stat(finalPath); statErr == nil {
			return nil
		}
		info, statErr := os.Stat(tmpPath)
		if statErr == nil && time.Since(info.ModTime()) > staleTempAge {
			logger.Warn("reclaiming stale chunk temp file",
				logger.UploadID(uploadID), logger.ChunkIndex(int(index)))
			_ = os.Remove(tmpPath)
			f, err = openExclusive(tmpPath)
		} else {
			return ErrChunkInProgress
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrChunkInProgress
		}
		return fmt.Errorf("create chunk temp file: %w", err)
	}

	written, err := s.streamChunk(ctx, f, r, expectedHash, expectedSize)
	if err == nil {
		err = validateSize(written, expectedSize, isLast)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close chunk temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename chunk into place: %w", err)
	}

	// Touch the directory mtime so the reaper sees recent activity.
	now := time.Now()
	_ = os.Chtimes(s.UploadDir(uploadID), now, now)

	return nil
}

func openExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// streamChunk copies r into f while hashing and enforcing the size cap.
// Returns the byte count written.
func (s *Store) streamChunk(ctx context.Context, f *os.File, r io.Reader, expectedHash string, expectedSize int64) (int64, error) {
	hasher := sha256.New()
	buf := make([]byte, 256*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > expectedSize {
				return written, ErrChunkTooLarge
			}
			hasher.Write(buf[:n])
			if _, err := f.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("read chunk stream: %w", readErr)
		}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if digest != expectedHash {
		return written, fmt.Errorf("%w: got %s", ErrHashMismatch, digest)
	}
	return written, nil
}

// validateSize enforces the size policy: non-last chunks are exactly
// expectedSize, the last chunk is (0, expectedSize].
func validateSize(written, expectedSize int64, isLast bool) error {
	if isLast {
		if written <= 0 || written > expectedSize {
			return ErrInvalidLastChunkSize
		}
		return nil
	}
	if written != expectedSize {
		return ErrChunkSizeMismatch
	}
	return nil
}

// HasChunk reports whether the final chunk file exists.
func (s *Store) HasChunk(uploadID string, index int64) bool {
	_, err := os.Stat(s.ChunkPath(uploadID, index))
	return err == nil
}

// ListChunks returns the persisted chunk indices in ascending order.
// Temp files and unparseable names are ignored.
func (s *Store) ListChunks(uploadID string) ([]int64, error) {
	entries, err := os.ReadDir(s.UploadDir(uploadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	var indices []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		idx, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

// OpenChunk opens the chunk file for reading.
func (s *Store) OpenChunk(uploadID string, index int64) (io.ReadCloser, error) {
	return os.Open(s.ChunkPath(uploadID, index))
}

// Assemble concatenates chunks 0..totalChunks-1 in ascending order into
// the assembled file and returns its path. The write goes through a temp
// file so a crashed assembly never leaves a plausible-looking .bin behind.
func (s *Store) Assemble(ctx context.Context, uploadID string, totalChunks int64) (string, error) {
	finalPath := s.AssembledPath(uploadID)
	tmpPath := finalPath + ".tmp"

	out, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create assembled file: %w", err)
	}

	for i := int64(0); i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			_ = os.Remove(tmpPath)
			return "", err
		}
		chunk, err := s.OpenChunk(uploadID, i)
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmpPath)
			return "", fmt.Errorf("open chunk %d: %w", i, err)
		}
		_, err = io.Copy(out, chunk)
		_ = chunk.Close()
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmpPath)
			return "", fmt.Errorf("copy chunk %d: %w", i, err)
		}
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("sync assembled file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close assembled file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename assembled file: %w", err)
	}
	return finalPath, nil
}

// Cleanup removes the chunk directory and the assembled file.
// Best-effort: the first error is returned but both removals are tried.
func (s *Store) Cleanup(uploadID string) error {
	dirErr := os.RemoveAll(s.UploadDir(uploadID))
	binErr := os.Remove(s.AssembledPath(uploadID))
	if binErr != nil && errors.Is(binErr, os.ErrNotExist) {
		binErr = nil
	}
	if dirErr != nil {
		return dirErr
	}
	return binErr
}
