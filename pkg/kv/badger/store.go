// Package badger implements kv.Store on an embedded BadgerDB.
//
// This is the default backend: a single-node gateway keeps its control
// plane local, with per-entry TTLs mapping directly onto Badger entry
// expiry. Hashes and sets are stored as JSON-encoded documents under a
// single key, which makes every Multi batch a single Badger transaction.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
)

// maxTxnRetries bounds optimistic-concurrency retries on conflicting
// read-modify-write transactions (set/hash merges).
const maxTxnRetries = 16

// valueLogGCInterval is how often the value log garbage collector runs.
const valueLogGCInterval = 5 * time.Minute

// Store is a BadgerDB-backed kv.Store.
type Store struct {
	db     *badger.DB
	stopGC chan struct{}
}

// New opens a BadgerDB store at the given path. An empty path opens a
// fully in-memory database, which is what the tests use.
func New(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}

	s := &Store{db: db, stopGC: make(chan struct{})}
	if path != "" {
		go s.runValueLogGC()
	}
	return s, nil
}

// runValueLogGC periodically reclaims value log space. Badger requires the
// caller to drive this; ErrNoRewrite just means there was nothing to do.
func (s *Store) runValueLogGC() {
	ticker := time.NewTicker(valueLogGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if err != badger.ErrNoRewrite {
						logger.Warn("badger value log GC failed", logger.Err(err))
					}
					break
				}
			}
		}
	}
}

// Ping verifies the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

// update runs fn inside a read-write transaction, retrying on optimistic
// concurrency conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if err == badger.ErrConflict {
			continue
		}
		return err
	}
	return fmt.Errorf("badger transaction conflicted %d times", maxTxnRetries)
}

// Get returns the string value at key, or kv.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return kv.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, err
}

// Set writes a string value with an optional TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setEntry(txn, key, []byte(value), ttl)
	})
}

// SetNX writes a string value only if the key does not already exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	created := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := setEntry(txn, key, []byte(value), ttl); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Expire resets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	found := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		found = false
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var value []byte
		if err := item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		if err := setEntry(txn, key, value, ttl); err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Del removes keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// HGetAll returns all fields of a hash. Missing keys yield an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields := map[string]string{}
	err := s.db.View(func(txn *badger.Txn) error {
		got, _, err := readDoc(txn, key)
		if err != nil {
			return err
		}
		if got != nil {
			fields = got
		}
		return nil
	})
	return fields, err
}

// HSet merges fields into a hash. A non-zero TTL resets the key expiry;
// a zero TTL preserves the remaining one.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return hsetTxn(txn, key, fields, ttl)
	})
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return saddTxn(txn, key, members)
	})
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return sremTxn(txn, key, members)
	})
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var members []string
	err := s.db.View(func(txn *badger.Txn) error {
		doc, _, err := readDoc(txn, key)
		if err != nil {
			return err
		}
		for member := range doc {
			members = append(members, member)
		}
		return nil
	})
	return members, err
}

// SCard returns the cardinality of a set.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	members, err := s.SMembers(ctx, key)
	if err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

// Multi applies the operations in a single Badger transaction.
func (s *Store) Multi(ctx context.Context, ops ...kv.Op) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case kv.OpSet:
				err = setEntry(txn, op.Key, []byte(op.Value), op.TTL)
			case kv.OpHSet:
				err = hsetTxn(txn, op.Key, op.Fields, op.TTL)
			case kv.OpSAdd:
				err = saddTxn(txn, op.Key, op.Members)
			case kv.OpSRem:
				err = sremTxn(txn, op.Key, op.Members)
			case kv.OpDel:
				err = txn.Delete([]byte(op.Key))
			default:
				err = fmt.Errorf("unknown op kind %d", op.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// setEntry writes a raw value, optionally with a TTL.
func setEntry(txn *badger.Txn, key string, value []byte, ttl time.Duration) error {
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

// readDoc loads a JSON document (hash or set) and its remaining TTL.
// Returns a nil map when the key does not exist.
func readDoc(txn *badger.Txn, key string) (map[string]string, time.Duration, error) {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var remaining time.Duration
	if exp := item.ExpiresAt(); exp > 0 {
		remaining = time.Until(time.Unix(int64(exp), 0))
		if remaining <= 0 {
			// Expired but not yet purged.
			return nil, 0, nil
		}
	}

	doc := map[string]string{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("decode document at %q: %w", key, err)
	}
	return doc, remaining, nil
}

func writeDoc(txn *badger.Txn, key string, doc map[string]string, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return setEntry(txn, key, data, ttl)
}

func hsetTxn(txn *badger.Txn, key string, fields map[string]string, ttl time.Duration) error {
	doc, remaining, err := readDoc(txn, key)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]string{}
	}
	for field, value := range fields {
		doc[field] = value
	}
	if ttl <= 0 {
		ttl = remaining
	}
	return writeDoc(txn, key, doc, ttl)
}

func saddTxn(txn *badger.Txn, key string, members []string) error {
	doc, remaining, err := readDoc(txn, key)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]string{}
	}
	for _, member := range members {
		doc[member] = "1"
	}
	return writeDoc(txn, key, doc, remaining)
}

func sremTxn(txn *badger.Txn, key string, members []string) error {
	doc, remaining, err := readDoc(txn, key)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	for _, member := range members {
		delete(doc, member)
	}
	if len(doc) == 0 {
		return txn.Delete([]byte(key))
	}
	return writeDoc(txn, key, doc, remaining)
}
