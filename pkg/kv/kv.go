// Package kv defines the key-value store contract used by the upload
// control plane.
//
// The gateway keeps all session state (session hashes, meta hashes,
// received-chunk sets, the GC index, finalize locks and the asset-fields
// cache) in a store that supports strings, hashes, sets, per-key TTLs,
// conditional create-if-absent SET, and atomic multi-operations.
//
// Two implementations exist: an embedded BadgerDB store (default, also
// usable fully in-memory for tests) and a Redis store for hosted
// deployments.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the control-plane key-value store.
//
// All operations are safe for concurrent use. TTLs are absolute per key:
// a TTL of zero on a write means "do not change the current expiry"
// (or "no expiry" when the key is being created).
type Store interface {
	// Ping verifies the store is reachable and healthy.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error

	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes a string value with an optional TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes a string value only if the key does not already exist.
	// Returns true if the write happened. Used for the finalize lease.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Expire resets the TTL on an existing key. Returns false if the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// HGetAll returns all fields of a hash. Missing keys yield an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet merges fields into a hash. A non-zero TTL resets the key expiry.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of a set. Missing keys yield nil.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard returns the cardinality of a set.
	SCard(ctx context.Context, key string) (int64, error)

	// Multi applies the given operations atomically: either all of them
	// become visible or none do.
	Multi(ctx context.Context, ops ...Op) error
}

// OpKind identifies the operation type inside a Multi batch.
type OpKind int

const (
	OpSet OpKind = iota
	OpHSet
	OpSAdd
	OpSRem
	OpDel
)

// Op is a single operation inside an atomic Multi batch.
type Op struct {
	Kind    OpKind
	Key     string
	Value   string            // OpSet
	Fields  map[string]string // OpHSet
	Members []string          // OpSAdd, OpSRem
	TTL     time.Duration     // OpSet, OpHSet; zero keeps the current expiry
}

// SetOp builds an OpSet operation.
func SetOp(key, value string, ttl time.Duration) Op {
	return Op{Kind: OpSet, Key: key, Value: value, TTL: ttl}
}

// HSetOp builds an OpHSet operation.
func HSetOp(key string, fields map[string]string, ttl time.Duration) Op {
	return Op{Kind: OpHSet, Key: key, Fields: fields, TTL: ttl}
}

// SAddOp builds an OpSAdd operation.
func SAddOp(key string, members ...string) Op {
	return Op{Kind: OpSAdd, Key: key, Members: members}
}

// SRemOp builds an OpSRem operation.
func SRemOp(key string, members ...string) Op {
	return Op{Kind: OpSRem, Key: key, Members: members}
}

// DelOp builds an OpDel operation.
func DelOp(key string) Op {
	return Op{Kind: OpDel, Key: key}
}
