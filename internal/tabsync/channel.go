package tabsync

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fairyhunter13/marketplace-sync/internal/kv"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// Channel is the broadcast slot: Publish writes a message to a single
// well-known key and clears it straight away. The clear guarantees the next
// publish is a distinct value transition, which is what fires change
// notifications on the other handles.
type Channel struct {
	store  kv.Store
	key    string
	origin string
	log    *slog.Logger
}

// NewChannel binds a channel to key on store for the session origin.
func NewChannel(store kv.Store, key, origin string) *Channel {
	return &Channel{store: store, key: key, origin: origin, log: obs.With("tabsync_channel")}
}

// Publish is fire-and-forget. Encode and store failures are logged and
// counted, never returned.
func (c *Channel) Publish(ctx context.Context, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		obs.MessagesDropped.WithLabelValues("encode").Inc()
		c.log.Error("broadcast_encode_failed", "type", msg.Type(), "error", err)
		return
	}
	if err := c.store.Set(ctx, c.key, string(b)); err != nil {
		obs.MessagesDropped.WithLabelValues("store").Inc()
		c.log.Error("broadcast_write_failed", "type", msg.Type(), "error", err)
		return
	}
	if err := c.store.Delete(ctx, c.key); err != nil {
		c.log.Warn("broadcast_clear_failed", "type", msg.Type(), "error", err)
	}
	obs.MessagesPublished.WithLabelValues(string(msg.Type())).Inc()
	c.log.Debug("broadcast_published", "type", msg.Type(), "origin", msg.OriginID)
}

// Listen delivers every decodable message from another origin to fn.
// Clears, malformed values and self-originated messages are skipped.
func (c *Channel) Listen(fn func(Message)) (stop func()) {
	return c.store.Subscribe(c.key, func(ch kv.Change) {
		if ch.Value == "" {
			return
		}
		var msg Message
		if err := json.Unmarshal([]byte(ch.Value), &msg); err != nil {
			obs.MessagesDropped.WithLabelValues("decode").Inc()
			c.log.Warn("broadcast_decode_failed", "error", err)
			return
		}
		if msg.OriginID == c.origin {
			return
		}
		fn(msg)
	})
}
