package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Genuineh/AiKv/internal/cluster/hash"
	pkgerrors "github.com/Genuineh/AiKv/pkg/errors"
)

func newBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBadgerSetGetDelete(t *testing.T) {
	b := newBadger(t)

	require.NoError(t, b.Set("foo", []byte("bar"), 0))
	v, ok := b.Get("foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), v)
	assert.True(t, b.Exists("foo"))

	deleted, err := b.Delete("foo")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, b.Exists("foo"))

	deleted, err = b.Delete("foo")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestBadgerTTL(t *testing.T) {
	b := newBadger(t)
	assert.Equal(t, TTLMissing, b.TTL("nope"))

	require.NoError(t, b.Set("k", []byte("v"), 0))
	assert.Equal(t, TTLNone, b.TTL("k"))

	require.NoError(t, b.Set("exp", []byte("v"), time.Hour))
	ttl := b.TTL("exp")
	assert.Greater(t, ttl, 50*time.Minute)
}

func TestBadgerSetEntrySkipsExpired(t *testing.T) {
	b := newBadger(t)
	require.NoError(t, b.SetEntry("dead", &Entry{
		Value:    []byte("x"),
		ExpireAt: time.Now().Add(-time.Minute),
	}))
	assert.False(t, b.Exists("dead"))
}

func TestBadgerSlotScan(t *testing.T) {
	b := newBadger(t)
	require.NoError(t, b.Set("{user:1}:a", []byte("1"), 0))
	require.NoError(t, b.Set("{user:1}:b", []byte("2"), 0))
	require.NoError(t, b.Set("{user:2}:c", []byte("3"), 0))

	slot := hash.KeySlot("{user:1}:a")
	assert.Equal(t, 2, b.CountSlot(slot))
	assert.ElementsMatch(t, []string{"{user:1}:a", "{user:1}:b"}, b.SlotKeys(slot, 0))
	assert.Equal(t, 3, b.Len())
}

func TestBadgerFlush(t *testing.T) {
	b := newBadger(t)
	require.NoError(t, b.Set("a", []byte("1"), 0))
	require.NoError(t, b.Flush())
	assert.False(t, b.Exists("a"))
	assert.Zero(t, b.Len())
}

func TestBadgerKeysAndRename(t *testing.T) {
	b := newBadger(t)
	require.NoError(t, b.Set("user:1", []byte("a"), 0))
	require.NoError(t, b.Set("user:2", []byte("b"), 0))
	require.NoError(t, b.Set("order:1", []byte("c"), 0))

	assert.ElementsMatch(t, []string{"user:1", "user:2"}, b.Keys("user:*"))
	assert.Len(t, b.Keys("*"), 3)

	require.NoError(t, b.Rename("order:1", "order:2"))
	assert.False(t, b.Exists("order:1"))
	v, ok := b.Get("order:2")
	require.True(t, ok)
	assert.Equal(t, []byte("c"), v)

	assert.ErrorIs(t, b.Rename("order:1", "order:3"), pkgerrors.ErrNoSuchKey)
}
