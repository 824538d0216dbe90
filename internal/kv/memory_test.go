package kv

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Open(), hub.Open()

	_, ok, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Set(ctx, "k", "v1"))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, b.Delete(ctx, "k"))
	_, ok, _ = a.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Len())
}

func TestMemoryStore_WriterDoesNotHearItself(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Open(), hub.Open()
	var ra, rb recorder
	a.Subscribe("chan", ra.add)
	b.Subscribe("chan", rb.add)

	require.NoError(t, a.Set(ctx, "chan", "hello"))
	require.NoError(t, a.Delete(ctx, "chan"))

	assert.Empty(t, ra.all())
	assert.Equal(t, []Change{{Key: "chan", Value: "hello"}, {Key: "chan"}}, rb.all())
}

func TestMemoryStore_OnlyDistinctTransitionsNotify(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Open(), hub.Open()
	var rb recorder
	b.Subscribe("k", rb.add)

	require.NoError(t, a.Set(ctx, "k", "same"))
	require.NoError(t, a.Set(ctx, "k", "same"))
	require.NoError(t, a.Delete(ctx, "other"))

	assert.Len(t, rb.all(), 1)
}

func TestMemoryStore_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Open(), hub.Open()
	var rb recorder
	unsub := b.Subscribe("k", rb.add)
	unsub()
	unsub()

	require.NoError(t, a.Set(ctx, "k", "v"))
	assert.Empty(t, rb.all())
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Open(), hub.Open()

	ok, err := a.CompareAndSwap(ctx, "leader", "", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.CompareAndSwap(ctx, "leader", "", "b")
	require.NoError(t, err)
	assert.False(t, ok, "absent-only swap must fail once the key exists")

	ok, err = b.CompareAndSwap(ctx, "leader", "stale", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.CompareAndSwap(ctx, "leader", "a", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	v, _, _ := a.Get(ctx, "leader")
	assert.Equal(t, "b", v)
}

func TestMemoryStore_Close(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Open(), hub.Open()
	var rb recorder
	b.Subscribe("k", rb.add)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.NoError(t, a.Set(ctx, "k", "v"))
	assert.Empty(t, rb.all())
	assert.ErrorIs(t, b.Set(ctx, "k", "x"), ErrClosed)
	_, _, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_ReentrantNotify(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Open(), hub.Open()
	var ra recorder
	a.Subscribe("reply", ra.add)
	b.Subscribe("ask", func(c Change) {
		if c.Value != "" {
			require.NoError(t, b.Set(ctx, "reply", "pong"))
		}
	})

	require.NoError(t, a.Set(ctx, "ask", "ping"))
	assert.Equal(t, []Change{{Key: "reply", Value: "pong"}}, ra.all())
}
