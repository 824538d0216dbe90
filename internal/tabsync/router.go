package tabsync

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
	"github.com/fairyhunter13/marketplace-sync/internal/querycache"
)

// syncResponseKeys is what the leader invalidates in answer to a sync
// request.
var syncResponseKeys = []querycache.Key{
	querycache.ProductsKey,
	querycache.ProductRoot,
	querycache.ProductTypesKey,
}

// Router applies incoming messages to the session's query cache.
type Router struct {
	cache    *querycache.Cache
	self     string
	isLeader func() bool
	reply    func(context.Context, Payload)
	limiter  *rate.Limiter
	log      *slog.Logger
}

// NewRouter builds a router for session self. reply publishes a payload on
// the session's channel; limiter bounds how often the leader answers sync
// requests (nil means unbounded).
func NewRouter(cache *querycache.Cache, self string, isLeader func() bool, reply func(context.Context, Payload), limiter *rate.Limiter) *Router {
	return &Router{
		cache:    cache,
		self:     self,
		isLeader: isLeader,
		reply:    reply,
		limiter:  limiter,
		log:      obs.With("tabsync_router").With("tab_id", self),
	}
}

// Dispatch handles one message. Messages from self are ignored.
func (r *Router) Dispatch(ctx context.Context, msg Message) {
	if msg.OriginID == r.self {
		return
	}
	obs.MessagesReceived.WithLabelValues(string(msg.Type())).Inc()
	switch p := msg.Payload.(type) {
	case ProductUpdate:
		r.cache.Invalidate(querycache.ProductsKey)
		r.cache.Invalidate(querycache.ProductTypesKey)
		r.log.Debug("product_update_applied", "product_id", p.ProductID, "origin", msg.OriginID)
	case CacheInvalidate:
		for _, k := range p.Keys {
			r.cache.Invalidate(k)
		}
		r.log.Debug("cache_invalidate_applied", "keys", len(p.Keys), "origin", msg.OriginID)
	case PurchaseUpdate:
		at := time.UnixMilli(msg.Timestamp)
		n := querycache.PatchProduct(r.cache, p.ProductID, func(prod model.Product) model.Product {
			return prod.WithQuantity(p.NewQuantity, at)
		})
		r.log.Debug("purchase_update_applied", "product_id", p.ProductID, "new_quantity", p.NewQuantity, "entries", n)
	case SyncRequest:
		r.answerSync(ctx, p)
	default:
		r.log.Warn("message_type_unhandled", "type", msg.Type())
	}
}

func (r *Router) answerSync(ctx context.Context, req SyncRequest) {
	if r.isLeader == nil || !r.isLeader() {
		return
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.log.Info("sync_request_throttled", "requester", req.RequesterID)
		return
	}
	r.log.Info("sync_request_answered", "requester", req.RequesterID)
	r.reply(ctx, CacheInvalidate{Keys: syncResponseKeys})
}
