package tabsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/kv"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// Role is a session's view of its own leadership.
type Role int

const (
	Follower Role = iota
	Leader
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// LeaderRecord is the shared claim. ClaimedAt is Unix milliseconds of the
// last heartbeat.
type LeaderRecord struct {
	OwnerID   string `json:"ownerId"`
	ClaimedAt int64  `json:"claimedAt"`
}

// Stale reports whether the claim has not been refreshed within threshold.
func (r LeaderRecord) Stale(now time.Time, threshold time.Duration) bool {
	return now.UnixMilli()-r.ClaimedAt > threshold.Milliseconds()
}

// Elector runs the leader protocol for one session. Without an atomic swap
// two sessions can both claim an absent record; the loser finds out on its
// next Elect. When the store implements kv.Swapper claims are made with
// compare-and-swap against the value just read, which closes that window.
type Elector struct {
	store kv.Store
	key   string
	self  string
	stale time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu   sync.Mutex
	role Role
}

// NewElector creates a follower elector for session self.
func NewElector(store kv.Store, key, self string, stale time.Duration) *Elector {
	return &Elector{
		store: store,
		key:   key,
		self:  self,
		stale: stale,
		now:   time.Now,
		log:   obs.With("tabsync_election").With("tab_id", self),
	}
}

// Role returns the current role.
func (e *Elector) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// IsLeader reports whether this session currently leads.
func (e *Elector) IsLeader() bool { return e.Role() == Leader }

func (e *Elector) setRole(r Role) {
	e.mu.Lock()
	prev := e.role
	e.role = r
	e.mu.Unlock()
	if prev == r {
		return
	}
	obs.LeaderTransitions.WithLabelValues(r.String()).Inc()
	if r == Leader {
		obs.Leaders.Inc()
	} else {
		obs.Leaders.Dec()
	}
	e.log.Info("leader_role_changed", "from", prev.String(), "to", r.String())
}

func (e *Elector) read(ctx context.Context) (raw string, rec LeaderRecord, present bool, err error) {
	raw, present, err = e.store.Get(ctx, e.key)
	if err != nil || !present {
		return raw, rec, present, err
	}
	if jerr := json.Unmarshal([]byte(raw), &rec); jerr != nil {
		// A corrupt record is treated as reclaimable rather than fatal.
		e.log.Warn("leader_record_corrupt", "error", jerr)
		rec = LeaderRecord{}
	}
	return raw, rec, true, nil
}

// Elect runs one election tick and returns the resulting role. Storage
// errors leave the role unchanged.
func (e *Elector) Elect(ctx context.Context) Role {
	raw, rec, present, err := e.read(ctx)
	if err != nil {
		e.log.Warn("leader_read_failed", "error", err)
		return e.Role()
	}
	now := e.now()
	switch {
	case !present:
		e.claim(ctx, "", now)
	case rec.OwnerID == e.self:
		e.setRole(Leader)
	case rec.OwnerID == "" || rec.Stale(now, e.stale):
		e.log.Info("leader_stale_takeover", "previous_owner", rec.OwnerID, "claimed_at", rec.ClaimedAt)
		e.claim(ctx, raw, now)
	default:
		e.setRole(Follower)
	}
	return e.Role()
}

// claim writes a fresh record for self. observed is the raw value read just
// before, used as the expected value when the store can swap atomically.
func (e *Elector) claim(ctx context.Context, observed string, now time.Time) {
	b, err := json.Marshal(LeaderRecord{OwnerID: e.self, ClaimedAt: now.UnixMilli()})
	if err != nil {
		e.log.Error("leader_record_encode_failed", "error", err)
		return
	}
	if sw, ok := e.store.(kv.Swapper); ok {
		won, err := sw.CompareAndSwap(ctx, e.key, observed, string(b))
		if err != nil {
			e.log.Warn("leader_claim_failed", "error", err)
			return
		}
		if !won {
			e.setRole(Follower)
			return
		}
		e.setRole(Leader)
		return
	}
	if err := e.store.Set(ctx, e.key, string(b)); err != nil {
		e.log.Warn("leader_claim_failed", "error", err)
		return
	}
	e.setRole(Leader)
}

// Heartbeat refreshes the claim while leading. If the record now names
// another owner the session steps down; if it vanished it is reclaimed.
func (e *Elector) Heartbeat(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	raw, rec, present, err := e.read(ctx)
	if err != nil {
		e.log.Warn("leader_heartbeat_read_failed", "error", err)
		return
	}
	if present && rec.OwnerID != e.self {
		e.log.Info("leader_lost", "owner", rec.OwnerID)
		e.setRole(Follower)
		return
	}
	if !present {
		raw = ""
	}
	e.claim(ctx, raw, e.now())
}

// Resign deletes the record if this session leads. The delete is
// unconditional; should another session have claimed in the meantime the
// next election heals it.
func (e *Elector) Resign(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if err := e.store.Delete(ctx, e.key); err != nil {
		e.log.Warn("leader_resign_failed", "error", err)
	}
	e.setRole(Follower)
}
