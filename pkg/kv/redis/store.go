// Package redis implements kv.Store on a Redis server.
//
// This backend is selected when FLOE_KV_URL is set; it maps every
// interface operation onto its native Redis command and uses TxPipeline
// for atomic multi-operations.
package redis

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/floelabs/floe/pkg/kv"
)

// Store is a Redis-backed kv.Store.
type Store struct {
	client *goredis.Client
}

// New connects to Redis using a URL of the form
// redis://[:password@]host:port[/db] or rediss:// for TLS.
func New(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Store{client: goredis.NewClient(opts)}, nil
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the string value at key, or kv.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", kv.ErrNotFound
	}
	return val, err
}

// Set writes a string value with an optional TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, normalizeTTL(ttl)).Err()
}

// SetNX writes a string value only if the key does not already exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, normalizeTTL(ttl)).Result()
}

// Expire resets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// HGetAll returns all fields of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

// HSet merges fields into a hash. A non-zero TTL resets the key expiry.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, flatten(fields)...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, key, toAny(members)...).Err()
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, key, toAny(members)...).Err()
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

// SCard returns the cardinality of a set.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

// Multi applies the operations in a Redis transaction pipeline.
func (s *Store) Multi(ctx context.Context, ops ...kv.Op) error {
	pipe := s.client.TxPipeline()
	for _, op := range ops {
		switch op.Kind {
		case kv.OpSet:
			pipe.Set(ctx, op.Key, op.Value, normalizeTTL(op.TTL))
		case kv.OpHSet:
			pipe.HSet(ctx, op.Key, flatten(op.Fields)...)
			if op.TTL > 0 {
				pipe.Expire(ctx, op.Key, op.TTL)
			}
		case kv.OpSAdd:
			pipe.SAdd(ctx, op.Key, toAny(op.Members)...)
		case kv.OpSRem:
			pipe.SRem(ctx, op.Key, toAny(op.Members)...)
		case kv.OpDel:
			pipe.Del(ctx, op.Key)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// normalizeTTL maps our "zero keeps expiry" convention onto Redis, where
// SET with zero expiration persists the key.
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

func flatten(fields map[string]string) []interface{} {
	flat := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		flat = append(flat, field, value)
	}
	return flat
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
