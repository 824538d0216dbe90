package tabsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-sync/internal/kv"
)

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (i *inbox) add(m Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) all() []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Message(nil), i.msgs...)
}

func TestChannelDeliversToOthersOnly(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	a := NewChannel(hub.Open(), "sync:broadcast", "tab-a")
	b := NewChannel(hub.Open(), "sync:broadcast", "tab-b")

	var gotA, gotB inbox
	defer a.Listen(gotA.add)()
	defer b.Listen(gotB.add)()

	now := time.UnixMilli(42)
	a.Publish(ctx, NewMessage("tab-a", SyncRequest{RequesterID: "tab-a"}, now))
	a.Publish(ctx, NewMessage("tab-a", SyncRequest{RequesterID: "tab-a"}, now))

	assert.Empty(t, gotA.all())
	msgs := gotB.all()
	require.Len(t, msgs, 2, "identical payloads still arrive because the slot is cleared in between")
	assert.Equal(t, "tab-a", msgs[0].OriginID)
	assert.Equal(t, 0, hub.Len(), "slot is empty after publish")
}

func TestChannelSkipsSelfOriginAndGarbage(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	raw := hub.Open()
	b := NewChannel(hub.Open(), "k", "tab-b")
	var got inbox
	defer b.Listen(got.add)()

	require.NoError(t, raw.Set(ctx, "k", "not json"))
	require.NoError(t, raw.Set(ctx, "k", `{"type":"SYNC_REQUEST","payload":{"requesterId":"tab-b"},"timestamp":1,"originId":"tab-b"}`))
	require.NoError(t, raw.Delete(ctx, "k"))
	assert.Empty(t, got.all())
}

func TestChannelPublishOnClosedStoreIsSwallowed(t *testing.T) {
	hub := kv.NewHub()
	s := hub.Open()
	require.NoError(t, s.Close())
	c := NewChannel(s, "k", "tab-a")
	assert.NotPanics(t, func() {
		c.Publish(context.Background(), NewMessage("tab-a", SyncRequest{RequesterID: "tab-a"}, time.Now()))
	})
}
