package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync/internal/kv"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// NewTabID returns a session id embedding its creation time.
func NewTabID(now time.Time) string {
	return fmt.Sprintf("tab-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// TabEntry is one live session in the registry. SeenAt is Unix milliseconds.
type TabEntry struct {
	ID     string `json:"id"`
	SeenAt int64  `json:"seenAt"`
}

// Registry tracks live sessions for observability only. Updates are plain
// read-modify-write; a lost update is repaired on the next refresh.
type Registry struct {
	store kv.Store
	key   string
	self  string
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// NewRegistry creates a registry handle for session self. Entries not seen
// for ttl are pruned.
func NewRegistry(store kv.Store, key, self string, ttl time.Duration) *Registry {
	return &Registry{
		store: store,
		key:   key,
		self:  self,
		ttl:   ttl,
		now:   time.Now,
		log:   obs.With("tabsync_registry").With("tab_id", self),
	}
}

func (r *Registry) load(ctx context.Context) ([]TabEntry, error) {
	raw, ok, err := r.store.Get(ctx, r.key)
	if err != nil || !ok {
		return nil, err
	}
	var entries []TabEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		r.log.Warn("tab_registry_corrupt", "error", err)
		return nil, nil
	}
	return entries, nil
}

func (r *Registry) save(ctx context.Context, entries []TabEntry) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, r.key, string(b))
}

// Refresh marks self as seen, prunes expired entries and returns the live
// count. Errors are logged and reported as a zero count.
func (r *Registry) Refresh(ctx context.Context) int {
	entries, err := r.load(ctx)
	if err != nil {
		r.log.Warn("tab_registry_read_failed", "error", err)
		return 0
	}
	now := r.now()
	cutoff := now.Add(-r.ttl).UnixMilli()
	live := entries[:0:0]
	for _, e := range entries {
		if e.ID == r.self || e.SeenAt < cutoff {
			continue
		}
		live = append(live, e)
	}
	live = append(live, TabEntry{ID: r.self, SeenAt: now.UnixMilli()})
	if err := r.save(ctx, live); err != nil {
		r.log.Warn("tab_registry_write_failed", "error", err)
		return 0
	}
	return len(live)
}

// Remove drops self from the registry.
func (r *Registry) Remove(ctx context.Context) {
	entries, err := r.load(ctx)
	if err != nil {
		r.log.Warn("tab_registry_read_failed", "error", err)
		return
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if e.ID != r.self {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		if err := r.store.Delete(ctx, r.key); err != nil {
			r.log.Warn("tab_registry_write_failed", "error", err)
		}
		return
	}
	if err := r.save(ctx, kept); err != nil {
		r.log.Warn("tab_registry_write_failed", "error", err)
	}
}
