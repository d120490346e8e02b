package badger

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/floelabs/floe/pkg/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestSetNX(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.SetNX(ctx, "lock", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.SetNX(ctx, "lock", "token-b", time.Minute)
	require.NoError(t, err)
	require.False(t, created)

	got, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	require.Equal(t, "token-a", got)
}

func TestHSetMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}, 0))
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"b": "3", "c": "4"}, 0))

	fields, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, fields)
}

func TestHGetAllMissing(t *testing.T) {
	s := newTestStore(t)

	fields, err := s.HGetAll(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "set", "0", "2"))
	require.NoError(t, s.SAdd(ctx, "set", "1", "2"))

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	sort.Strings(members)
	require.Equal(t, []string{"0", "1", "2"}, members)

	card, err := s.SCard(ctx, "set")
	require.NoError(t, err)
	require.EqualValues(t, 3, card)

	require.NoError(t, s.SRem(ctx, "set", "1"))
	card, err = s.SCard(ctx, "set")
	require.NoError(t, err)
	require.EqualValues(t, 2, card)
}

func TestExpireMissingKey(t *testing.T) {
	s := newTestStore(t)

	found, err := s.Expire(context.Background(), "nope", time.Minute)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMulti(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "session", "old", 0))
	require.NoError(t, s.SAdd(ctx, "gc", "id-1"))

	err := s.Multi(ctx,
		kv.HSetOp("meta", map[string]string{"status": "completed"}, time.Hour),
		kv.DelOp("session"),
		kv.SRemOp("gc", "id-1"),
	)
	require.NoError(t, err)

	_, err = s.Get(ctx, "session")
	require.ErrorIs(t, err, kv.ErrNotFound)

	fields, err := s.HGetAll(ctx, "meta")
	require.NoError(t, err)
	require.Equal(t, "completed", fields["status"])

	card, err := s.SCard(ctx, "gc")
	require.NoError(t, err)
	require.Zero(t, card)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
