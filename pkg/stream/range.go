// Package stream implements the read proxy: asset-field resolution
// against the on-chain registry with a KV cache in front, HTTP range
// parsing, and the segmented stitcher that serves blob bytes from the
// aggregator fleet.
package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRange means the Range header is malformed or uses an
	// unsupported form (multiple ranges, non-byte units).
	ErrInvalidRange = errors.New("invalid range")

	// ErrUnsatisfiableRange means the range is syntactically valid but
	// lies outside the asset. Maps to 416.
	ErrUnsatisfiableRange = errors.New("range not satisfiable")
)

// ByteRange is an inclusive byte range within an asset.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range response header value.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a Range request header against the asset size.
//
// Supported forms: "bytes=A-B", "bytes=A-" and "bytes=-N" (final N
// bytes). Exactly one range is allowed; multipart ranges are rejected as
// invalid rather than silently serving the first part.
func ParseRange(header string, size int64) (ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, ErrInvalidRange
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if spec == "" || strings.Contains(spec, ",") {
		return ByteRange{}, ErrInvalidRange
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return ByteRange{}, ErrInvalidRange
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	// Suffix form: "-N" is the final N bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, ErrInvalidRange
		}
		if size == 0 {
			return ByteRange{}, ErrUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrInvalidRange
	}
	if start >= size {
		return ByteRange{}, ErrUnsatisfiableRange
	}

	// Open form: "A-" runs to the end.
	if endStr == "" {
		return ByteRange{Start: start, End: size - 1}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, ErrInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return ByteRange{Start: start, End: end}, nil
}

// FullRange returns the range covering the whole asset.
func FullRange(size int64) ByteRange {
	return ByteRange{Start: 0, End: size - 1}
}
