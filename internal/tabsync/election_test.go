package tabsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-sync/internal/kv"
)

const leaderKey = "sync:leader"

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newElector(hub *kv.Hub, id string, clk *clock) *Elector {
	e := NewElector(hub.Open(), leaderKey, id, 30*time.Second)
	e.now = clk.now
	return e
}

func readRecord(t *testing.T, hub *kv.Hub) (LeaderRecord, bool) {
	t.Helper()
	raw, ok, err := hub.Open().Get(context.Background(), leaderKey)
	require.NoError(t, err)
	if !ok {
		return LeaderRecord{}, false
	}
	var rec LeaderRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	return rec, true
}

func TestElectFirstClaimantLeads(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	clk := &clock{t: time.UnixMilli(1_000_000)}
	a, b := newElector(hub, "tab-a", clk), newElector(hub, "tab-b", clk)

	assert.Equal(t, Leader, a.Elect(ctx))
	assert.Equal(t, Follower, b.Elect(ctx))
	assert.Equal(t, Leader, a.Elect(ctx), "re-election keeps the owner")

	rec, ok := readRecord(t, hub)
	require.True(t, ok)
	assert.Equal(t, "tab-a", rec.OwnerID)
	assert.Equal(t, int64(1_000_000), rec.ClaimedAt)
}

func TestElectTakesOverStaleLeader(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	clk := &clock{t: time.UnixMilli(1_000_000)}
	a, b := newElector(hub, "tab-a", clk), newElector(hub, "tab-b", clk)
	require.Equal(t, Leader, a.Elect(ctx))

	clk.advance(30 * time.Second)
	assert.Equal(t, Follower, b.Elect(ctx), "exactly at the threshold the claim is still fresh")

	clk.advance(time.Millisecond)
	assert.Equal(t, Leader, b.Elect(ctx))
	rec, _ := readRecord(t, hub)
	assert.Equal(t, "tab-b", rec.OwnerID)

	a.Heartbeat(ctx)
	assert.Equal(t, Follower, a.Role(), "old leader steps down on heartbeat")
}

func TestHeartbeatKeepsClaimFresh(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	clk := &clock{t: time.UnixMilli(1_000_000)}
	a, b := newElector(hub, "tab-a", clk), newElector(hub, "tab-b", clk)
	require.Equal(t, Leader, a.Elect(ctx))

	for i := 0; i < 10; i++ {
		clk.advance(5 * time.Second)
		a.Heartbeat(ctx)
		assert.Equal(t, Follower, b.Elect(ctx))
	}
	rec, _ := readRecord(t, hub)
	assert.Equal(t, clk.t.UnixMilli(), rec.ClaimedAt)
}

func TestHeartbeatReclaimsVanishedRecord(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	clk := &clock{t: time.UnixMilli(1_000_000)}
	a := newElector(hub, "tab-a", clk)
	require.Equal(t, Leader, a.Elect(ctx))
	require.NoError(t, hub.Open().Delete(ctx, leaderKey))

	a.Heartbeat(ctx)
	assert.True(t, a.IsLeader())
	rec, ok := readRecord(t, hub)
	require.True(t, ok)
	assert.Equal(t, "tab-a", rec.OwnerID)
}

func TestResignLetsAnotherClaim(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	clk := &clock{t: time.UnixMilli(1_000_000)}
	a, b := newElector(hub, "tab-a", clk), newElector(hub, "tab-b", clk)
	require.Equal(t, Leader, a.Elect(ctx))

	a.Resign(ctx)
	assert.Equal(t, Follower, a.Role())
	_, ok := readRecord(t, hub)
	assert.False(t, ok)
	assert.Equal(t, Leader, b.Elect(ctx))

	b2 := newElector(hub, "tab-c", clk)
	b2.Resign(ctx)
	rec, _ := readRecord(t, hub)
	assert.Equal(t, "tab-b", rec.OwnerID, "a follower's resign does not touch the record")
}

func TestCorruptRecordIsReclaimed(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	require.NoError(t, hub.Open().Set(ctx, leaderKey, "{broken"))
	clk := &clock{t: time.UnixMilli(1_000_000)}
	a := newElector(hub, "tab-a", clk)
	assert.Equal(t, Leader, a.Elect(ctx))
}

type plainStore struct{ kv.Store }

func TestElectWithoutSwapper(t *testing.T) {
	ctx := context.Background()
	hub := kv.NewHub()
	clk := &clock{t: time.UnixMilli(1_000_000)}
	a := NewElector(plainStore{hub.Open()}, leaderKey, "tab-a", 30*time.Second)
	a.now = clk.now
	assert.Equal(t, Leader, a.Elect(ctx))
	rec, _ := readRecord(t, hub)
	assert.Equal(t, "tab-a", rec.OwnerID)
}
