// Package session assembles one client session: a query cache, the
// cross-session coordinator, the optimistic mutation pipeline and the API
// client that backs every cached read.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/config"
	"github.com/fairyhunter13/marketplace-sync/internal/kv"
	"github.com/fairyhunter13/marketplace-sync/internal/marketapi"
	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/purchase"
	"github.com/fairyhunter13/marketplace-sync/internal/querycache"
	"github.com/fairyhunter13/marketplace-sync/internal/tabsync"
)

// DefaultPageSize is the product page size used when none is configured.
const DefaultPageSize = 20

// Options configures a session.
type Options struct {
	Sync     tabsync.Options
	Timeout  time.Duration
	PageSize int
	// MaxPages bounds how many product pages one list fetch loads.
	MaxPages int
}

// OptionsFromConfig maps runtime configuration onto session options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Sync:     tabsync.OptionsFromConfig(cfg),
		Timeout:  cfg.PurchaseTimeout,
		PageSize: DefaultPageSize,
		MaxPages: 5,
	}
}

// Session is one tab's worth of client state.
type Session struct {
	Cache    *querycache.Cache
	Coord    *tabsync.Coordinator
	Pipeline *purchase.Pipeline

	client *marketapi.Client
	opts   Options
}

// Open builds a session sharing store with its siblings and starts its
// coordinator. Close must be called to leave the registry and resign.
func Open(ctx context.Context, store kv.Store, client *marketapi.Client, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	cache := querycache.New()
	coord := tabsync.New(store, cache, opts.Sync)
	s := &Session{
		Cache:    cache,
		Coord:    coord,
		Pipeline: purchase.New(cache, client, coord, opts.Timeout),
		client:   client,
		opts:     opts,
	}
	coord.Start(ctx)
	return s
}

// ID returns the session id used on the shared channel.
func (s *Session) ID() string { return s.Coord.ID() }

// State returns the coordinator state.
func (s *Session) State() tabsync.State { return s.Coord.State() }

// Close stops the coordinator and every in-flight fetch.
func (s *Session) Close(ctx context.Context) {
	s.Coord.Close(ctx)
	s.Cache.Close()
}

func typed[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("session: cached value is %T, want %T", v, zero)
	}
	return t, nil
}

// Product returns product id, from cache when fresh.
func (s *Session) Product(ctx context.Context, id string) (model.Product, error) {
	return typed[model.Product](s.Cache.Fetch(ctx, querycache.ProductKey(id), func(ctx context.Context) (any, error) {
		return s.client.GetProduct(ctx, id)
	}))
}

// Products returns the default catalogue listing, loading pages until the
// server reports no more or MaxPages is reached.
func (s *Session) Products(ctx context.Context) (model.ProductFeed, error) {
	return typed[model.ProductFeed](s.Cache.Fetch(ctx, querycache.ProductListKey(""), func(ctx context.Context) (any, error) {
		var feed model.ProductFeed
		for page := 1; page <= s.opts.MaxPages; page++ {
			pg, err := s.client.ListProducts(ctx, page, s.opts.PageSize)
			if err != nil {
				return nil, err
			}
			feed.Pages = append(feed.Pages, pg)
			if !pg.HasMore {
				break
			}
		}
		return feed, nil
	}))
}

// ProductTypes returns the catalogue's categories.
func (s *Session) ProductTypes(ctx context.Context) ([]string, error) {
	return typed[[]string](s.Cache.Fetch(ctx, querycache.ProductTypesKey, func(ctx context.Context) (any, error) {
		return s.client.ListProductTypes(ctx)
	}))
}

// Orders returns buyerID's orders.
func (s *Session) Orders(ctx context.Context, buyerID string) ([]model.Order, error) {
	return typed[[]model.Order](s.Cache.Fetch(ctx, querycache.OrderListKey(buyerID), func(ctx context.Context) (any, error) {
		return s.client.ListOrders(ctx, buyerID)
	}))
}

// Reservations returns buyerID's live holds.
func (s *Session) Reservations(ctx context.Context, buyerID string) ([]model.Reservation, error) {
	key := append(querycache.Key(nil), querycache.ReservationsKey...)
	key = append(key, buyerID)
	return typed[[]model.Reservation](s.Cache.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return s.client.ListReservations(ctx, buyerID)
	}))
}

// Purchase runs an optimistic purchase.
func (s *Session) Purchase(ctx context.Context, req model.PurchaseRequest) (model.Order, error) {
	return s.Pipeline.Purchase(ctx, req)
}

// Reserve runs an optimistic reservation.
func (s *Session) Reserve(ctx context.Context, req model.ReserveRequest) (model.Reservation, error) {
	return s.Pipeline.Reserve(ctx, req)
}

// RequestSync asks the leader to have every session refetch listings.
func (s *Session) RequestSync(ctx context.Context) { s.Coord.RequestSync(ctx) }
