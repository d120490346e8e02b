package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
	"github.com/floelabs/floe/pkg/sui"
	"github.com/floelabs/floe/pkg/upload"
)

var (
	// ErrFileNotFound means the registry has no object for the file ID.
	ErrFileNotFound = errors.New("stream: file not found")

	// ErrInvalidMetadata means the on-chain object exists but its fields
	// cannot be normalized into a servable asset.
	ErrInvalidMetadata = errors.New("stream: invalid on-chain metadata")

	// ErrRegistryUnavailable means the fullnode could not be reached and
	// no cached fields were available.
	ErrRegistryUnavailable = errors.New("stream: registry unavailable")
)

// FileFields is the normalized asset descriptor resolved for a file ID.
type FileFields struct {
	BlobID    string `json:"blobId"`
	Size      int64  `json:"size"`
	Mime      string `json:"mime"`
	Owner     string `json:"owner,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Registry is the chain lookup the resolver depends on.
type Registry interface {
	GetObject(ctx context.Context, objectID string) (*sui.ObjectData, error)
}

// Resolver resolves file IDs to asset fields, with a KV cache in front
// of the chain so hot assets do not hammer the fullnode.
type Resolver struct {
	kv       kv.Store
	registry Registry
	cacheTTL time.Duration
}

// NewResolver creates a resolver. cacheTTL <= 0 defaults to 5m.
func NewResolver(store kv.Store, registry Registry, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Resolver{kv: store, registry: registry, cacheTTL: cacheTTL}
}

// Resolve returns the asset fields for a file ID, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, fileID string) (*FileFields, error) {
	cacheKey := upload.FileFieldsKey(fileID)
	if raw, err := r.kv.Get(ctx, cacheKey); err == nil {
		var fields FileFields
		if json.Unmarshal([]byte(raw), &fields) == nil && fields.BlobID != "" && fields.Size > 0 {
			return &fields, nil
		}
		// Unparseable cache entries are dropped, not served.
		_ = r.kv.Del(ctx, cacheKey)
	}

	obj, err := r.registry.GetObject(ctx, fileID)
	if errors.Is(err, sui.ErrObjectNotFound) {
		return nil, ErrFileNotFound
	}
	if errors.Is(err, sui.ErrUnavailable) {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	fields, err := normalizeFields(obj)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(fields); err == nil {
		if err := r.kv.Set(ctx, cacheKey, string(raw), r.cacheTTL); err != nil {
			logger.Warn("asset-fields cache write failed", logger.FileID(fileID), logger.Err(err))
		}
	}
	return fields, nil
}

// normalizeFields maps the Move object's field names, which vary by
// contract revision, into the canonical descriptor.
func normalizeFields(obj *sui.ObjectData) (*FileFields, error) {
	if obj == nil || obj.Fields == nil {
		return nil, fmt.Errorf("%w: object has no content", ErrInvalidMetadata)
	}

	fields := &FileFields{Owner: obj.Owner}
	fields.BlobID = strings.TrimSpace(firstString(obj.Fields, "blob_id", "blobId", "walrus_blob_id"))
	if fields.BlobID == "" {
		return nil, fmt.Errorf("%w: missing blob id", ErrInvalidMetadata)
	}

	size, ok := firstInt(obj.Fields, "size", "size_bytes", "file_size")
	if !ok || size <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid size", ErrInvalidMetadata)
	}
	fields.Size = size

	fields.Mime = firstString(obj.Fields, "mime", "mime_type", "content_type")
	if fields.Mime == "" {
		fields.Mime = "application/octet-stream"
	}
	fields.CreatedAt = firstString(obj.Fields, "created_at", "createdAt")
	return fields, nil
}

func firstString(fields map[string]any, names ...string) string {
	for _, name := range names {
		if v, ok := fields[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// firstInt handles Move u64 fields arriving as either JSON strings or
// numbers depending on the node version.
func firstInt(fields map[string]any, names ...string) (int64, bool) {
	for _, name := range names {
		switch v := fields[name].(type) {
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, true
			}
		case float64:
			return int64(v), true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
