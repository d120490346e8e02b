package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/metrics"
)

var (
	// ErrNoAggregators means the stitcher was built without upstreams.
	ErrNoAggregators = errors.New("stream: no aggregators configured")

	// ErrAllAggregatorsFailed means a segment could not be fetched from
	// any upstream even after shrinking the segment size.
	ErrAllAggregatorsFailed = errors.New("stream: all aggregators failed")

	// ErrRangeTooLarge means the requested range exceeds the per-request
	// byte ceiling.
	ErrRangeTooLarge = errors.New("stream: range exceeds maximum")
)

// StatusError is an unacceptable aggregator response status, carried up
// so the HTTP layer can map upstream 404s and 5xx distinctly.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: aggregator returned %d", e.StatusCode)
}

// shortSegmentError reports a segment body that ended before the
// requested span. The written prefix is valid and the remainder is
// resumable.
type shortSegmentError struct {
	got, want int64
}

func (e *shortSegmentError) Error() string {
	return fmt.Sprintf("short segment: got %d of %d bytes", e.got, e.want)
}

// minSegmentSize is the floor the adaptive segment size halves down to.
const minSegmentSize = 256 * 1024

// StitcherConfig configures the segmented read proxy.
type StitcherConfig struct {
	// Aggregators are the upstream base URLs, tried in order starting
	// from the last one that worked.
	Aggregators []string

	// SegmentSize is the initial upstream fetch size. Default: 4 MiB.
	SegmentSize int64

	// MaxRangeBytes caps one client request. Zero means unlimited.
	MaxRangeBytes int64

	// SegmentTimeout bounds one upstream segment fetch. Default: 30s.
	SegmentTimeout time.Duration

	// SegmentRetries is how many attempts one aggregator gets per
	// segment before failover. Default: 3.
	SegmentRetries int

	// SegmentRetryDelay is the linear backoff base between attempts on
	// the same aggregator. Default: 500ms.
	SegmentRetryDelay time.Duration
}

func (c *StitcherConfig) applyDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 4 * 1024 * 1024
	}
	if c.SegmentSize < minSegmentSize {
		c.SegmentSize = minSegmentSize
	}
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = 30 * time.Second
	}
	if c.SegmentRetries <= 0 {
		c.SegmentRetries = 3
	}
	if c.SegmentRetryDelay <= 0 {
		c.SegmentRetryDelay = 500 * time.Millisecond
	}
}

// Stitcher serves byte ranges of a blob by fetching bounded segments
// from the aggregator fleet and stitching them into the client response.
//
// Failover is sticky: the index of the last aggregator that served a
// segment is remembered, so one bad upstream is skipped for subsequent
// segments and requests instead of being retried first every time.
type Stitcher struct {
	cfg        StitcherConfig
	httpClient *http.Client
	lastGood   atomic.Int32
	metrics    *metrics.GatewayMetrics
}

// NewStitcher creates a stitcher. metrics may be nil.
func NewStitcher(cfg StitcherConfig, m *metrics.GatewayMetrics) (*Stitcher, error) {
	cfg.applyDefaults()
	if len(cfg.Aggregators) == 0 {
		return nil, ErrNoAggregators
	}
	return &Stitcher{
		cfg: cfg,
		// No global client timeout: segment deadlines are per request
		// context, a whole stream may legitimately run for minutes.
		httpClient: &http.Client{},
		metrics:    m,
	}, nil
}

// Stream copies the requested range of the blob into w.
//
// Bytes are fetched in segments; on upstream failure the next aggregator
// is tried and the segment size is halved down to the floor, so one slow
// or flaky upstream degrades throughput instead of killing the stream.
// An upstream that closes a segment body early only sets the stream
// back: the prefix it delivered is kept and the remainder is refetched
// at a smaller segment size. A client disconnect (write error or
// context cancel) aborts immediately without draining upstreams.
func (s *Stitcher) Stream(ctx context.Context, w io.Writer, blobID string, rng ByteRange) (int64, error) {
	if s.cfg.MaxRangeBytes > 0 && rng.Length() > s.cfg.MaxRangeBytes {
		return 0, fmt.Errorf("%w: %d > %d", ErrRangeTooLarge, rng.Length(), s.cfg.MaxRangeBytes)
	}

	segSize := s.cfg.SegmentSize
	var total int64
	offset := rng.Start

	for offset <= rng.End {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, usedSize, err := s.fetchSegment(ctx, w, blobID, ByteRange{Start: offset, End: rng.End}, segSize)
		total += n
		s.metrics.AddReadBytes(n)
		if err != nil {
			return total, err
		}
		offset += n
		segSize = usedSize
	}
	return total, nil
}

// fetchSegment fetches the next segment of the remaining range, failing
// over across aggregators and halving the segment size on total failure.
// Returns bytes written and the segment size to use next: the size that
// worked, or a halved one after a short read.
func (s *Stitcher) fetchSegment(ctx context.Context, w io.Writer, blobID string, remaining ByteRange, segSize int64) (int64, int64, error) {
	var lastErr error

	size := segSize
	for {
		end := remaining.Start + size - 1
		if end > remaining.End {
			end = remaining.End
		}
		attempt := ByteRange{Start: remaining.Start, End: end}
		// A 200 is acceptable only when this one segment spans the whole
		// requested object from byte zero.
		acceptFull := attempt.Start == 0 && attempt.End == remaining.End

		start := int(s.lastGood.Load())
		for i := 0; i < len(s.cfg.Aggregators); i++ {
			idx := (start + i) % len(s.cfg.Aggregators)

			n, err := s.fetchWithRetry(ctx, w, s.cfg.Aggregators[idx], blobID, attempt, acceptFull)
			if err == nil {
				if i > 0 {
					s.metrics.RecordSegment("failover")
				} else {
					s.metrics.RecordSegment("ok")
				}
				s.lastGood.Store(int32(idx))
				return n, size, nil
			}

			var short *shortSegmentError
			if errors.As(err, &short) {
				// The delivered prefix is exactly the next part of the
				// range: keep it and resume after it, smaller.
				s.metrics.RecordSegment("short")
				s.lastGood.Store(int32(idx))
				logger.Debug("aggregator closed segment early",
					logger.BlobID(blobID),
					logger.KeyAggregator, s.cfg.Aggregators[idx],
					logger.KeyOffset, attempt.Start,
					logger.Err(err),
				)
				return n, halve(size), nil
			}

			// Bytes lost to a failed client write cannot be replayed.
			// Same for client-side aborts.
			if n > 0 || ctx.Err() != nil {
				return n, size, err
			}

			lastErr = err
			s.metrics.RecordSegment("error")
			logger.Warn("aggregator segment fetch failed",
				logger.BlobID(blobID),
				logger.KeyAggregator, s.cfg.Aggregators[idx],
				logger.KeyOffset, attempt.Start,
				logger.Err(err),
			)
		}

		if size <= minSegmentSize {
			break
		}
		size = halve(size)
	}

	return 0, size, fmt.Errorf("%w: %w", ErrAllAggregatorsFailed, lastErr)
}

// fetchWithRetry gives one aggregator a bounded number of attempts at a
// segment with linear backoff in between. Only rate limiting, upstream
// 5xx and transport errors are retried; anything else fails over to the
// next aggregator immediately.
func (s *Stitcher) fetchWithRetry(ctx context.Context, w io.Writer, aggregator, blobID string, rng ByteRange, acceptFull bool) (int64, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		n, err := s.fetchFrom(ctx, w, aggregator, blobID, rng, acceptFull)
		if err == nil || n > 0 {
			return n, err
		}
		lastErr = err
		if attempt >= s.cfg.SegmentRetries || !retryableSegmentError(err) {
			return 0, lastErr
		}
		select {
		case <-time.After(time.Duration(attempt) * s.cfg.SegmentRetryDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func retryableSegmentError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	// Everything else at this point is a transport failure.
	return true
}

// fetchFrom streams one segment from one aggregator directly into w.
func (s *Stitcher) fetchFrom(ctx context.Context, w io.Writer, aggregator, blobID string, rng ByteRange, acceptFull bool) (int64, error) {
	segCtx, cancel := context.WithTimeout(ctx, s.cfg.SegmentTimeout)
	defer cancel()

	url := strings.TrimSuffix(aggregator, "/") + "/v1/blobs/" + blobID
	req, err := http.NewRequestWithContext(segCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusPartialContent ||
		(resp.StatusCode == http.StatusOK && acceptFull)
	if !ok {
		// Includes a 200 for a sub-range: buffering a whole blob to
		// carve one segment out would be unbounded memory.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}

	sw := &segmentWriter{w: w}
	n, copyErr := io.Copy(sw, io.LimitReader(resp.Body, rng.Length()))
	if sw.err != nil {
		// The client side failed; the prefix cannot be replayed.
		return n, copyErr
	}
	switch {
	case n == rng.Length():
		return n, nil
	case n == 0:
		if copyErr == nil {
			copyErr = io.ErrUnexpectedEOF
		}
		return 0, copyErr
	default:
		return n, &shortSegmentError{got: n, want: rng.Length()}
	}
}

// segmentWriter records the first write-side error so fetchFrom can tell
// a client failure apart from an upstream short read.
type segmentWriter struct {
	w   io.Writer
	err error
}

func (sw *segmentWriter) Write(p []byte) (int, error) {
	n, err := sw.w.Write(p)
	if err != nil && sw.err == nil {
		sw.err = err
	}
	return n, err
}

func halve(size int64) int64 {
	size /= 2
	if size < minSegmentSize {
		size = minSegmentSize
	}
	return size
}
