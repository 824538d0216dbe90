// Package purchase runs optimistic purchases and reservations: the session
// cache is patched before the server answers and restored if it refuses.
package purchase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync/internal/marketapi"
	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
	"github.com/fairyhunter13/marketplace-sync/internal/querycache"
)

const (
	OpPurchase = "purchase"
	OpReserve  = "reserve"
)

// State is the lifecycle of the latest mutation for one product.
type State int

const (
	Idle State = iota
	Pending
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Client sends mutations to the server.
type Client interface {
	Purchase(ctx context.Context, req model.PurchaseRequest, idemKey string) (model.Order, error)
	Reserve(ctx context.Context, req model.ReserveRequest, idemKey string) (model.Reservation, error)
}

// Broadcaster shares speculative quantities with other sessions.
type Broadcaster interface {
	BroadcastPurchaseUpdate(ctx context.Context, productID string, newQuantity int64)
}

// Pipeline applies mutations for one session.
type Pipeline struct {
	cache   *querycache.Cache
	client  Client
	bc      Broadcaster
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	locks keyedMutex

	mu     sync.Mutex
	states map[string]State
}

// New builds a pipeline. A zero timeout leaves request deadlines to ctx;
// a nil broadcaster keeps purchases local to this session.
func New(cache *querycache.Cache, client Client, bc Broadcaster, timeout time.Duration) *Pipeline {
	return &Pipeline{
		cache:   cache,
		client:  client,
		bc:      bc,
		timeout: timeout,
		now:     time.Now,
		log:     obs.With("purchase"),
		states:  make(map[string]State),
	}
}

// State returns the state of the latest mutation for productID.
func (p *Pipeline) State(productID string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[productID]
}

func (p *Pipeline) setState(productID string, s State) {
	p.mu.Lock()
	p.states[productID] = s
	p.mu.Unlock()
}

func (p *Pipeline) broadcast(ctx context.Context, id string, qty int64) {
	if p.bc != nil {
		p.bc.BroadcastPurchaseUpdate(ctx, id, qty)
	}
}

func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// begin takes the product lock, cancels fetches that could overwrite the
// optimistic patch and snapshots every cached copy of the product.
func (p *Pipeline) begin(id string) (querycache.ProductSnapshot, func()) {
	unlock := p.locks.lock(id)
	p.setState(id, Pending)
	p.cache.Cancel(querycache.ProductKey(id))
	p.cache.Cancel(querycache.ProductsKey)
	return querycache.Snapshot(p.cache, id), unlock
}

// Purchase buys req.Quantity units of req.ProductID. The cached quantity
// drops immediately and other sessions are told; if the server refuses, both
// are restored and a *MutationError is returned.
func (p *Pipeline) Purchase(ctx context.Context, req model.PurchaseRequest) (model.Order, error) {
	id := req.ProductID
	snap, unlock := p.begin(id)
	defer unlock()
	defer p.cache.Invalidate(querycache.ProductsKey)

	// A non-positive quantity is left for the server to reject; patching
	// with it would raise the cached stock.
	before, cached := snap.Quantity()
	optimistic := cached && req.Quantity > 0
	if optimistic {
		next := max(0, before-req.Quantity)
		at := p.now()
		querycache.PatchProduct(p.cache, id, func(prod model.Product) model.Product {
			return prod.WithQuantity(next, at)
		})
		p.broadcast(ctx, id, next)
	}

	callCtx, cancel := p.callContext(ctx)
	order, err := p.client.Purchase(callCtx, req, uuid.NewString())
	cancel()
	if err != nil {
		snap.Restore(p.cache)
		if optimistic {
			p.broadcast(ctx, id, before)
		}
		return model.Order{}, p.fail(OpPurchase, id, "Purchase failed", err)
	}

	p.cache.Invalidate(querycache.ProductKey(id))
	p.cache.Invalidate(querycache.ProductsKey)
	p.cache.Invalidate(querycache.OrdersKey)
	p.succeed(OpPurchase, id)
	return order, nil
}

// Reserve places a hold on req.Quantity units. The cached reserved and
// available quantities change immediately; nothing is broadcast.
func (p *Pipeline) Reserve(ctx context.Context, req model.ReserveRequest) (model.Reservation, error) {
	id := req.ProductID
	snap, unlock := p.begin(id)
	defer unlock()
	defer p.cache.Invalidate(querycache.ProductsKey)

	if _, cached := snap.Quantity(); cached && req.Quantity > 0 {
		at := p.now()
		querycache.PatchProduct(p.cache, id, func(prod model.Product) model.Product {
			prod.ReservedQuantity += req.Quantity
			prod.AvailableQuantity = max(0, prod.AvailableQuantity-req.Quantity)
			prod.UpdatedAt = at
			return prod
		})
	}

	callCtx, cancel := p.callContext(ctx)
	res, err := p.client.Reserve(callCtx, req, uuid.NewString())
	cancel()
	if err != nil {
		snap.Restore(p.cache)
		return model.Reservation{}, p.fail(OpReserve, id, "Reservation failed", err)
	}

	p.cache.Invalidate(querycache.ProductKey(id))
	p.cache.Invalidate(querycache.ProductsKey)
	p.cache.Invalidate(querycache.ReservationsKey)
	p.succeed(OpReserve, id)
	return res, nil
}

func (p *Pipeline) succeed(op, id string) {
	p.setState(id, Success)
	obs.Mutations.WithLabelValues(op, "success").Inc()
	p.log.Info("mutation succeeded", "op", op, "product_id", id)
}

func (p *Pipeline) fail(op, id, fallback string, err error) *MutationError {
	p.setState(id, Failed)
	obs.Mutations.WithLabelValues(op, "failed").Inc()
	me := &MutationError{Op: op, ProductID: id, Message: fallback, Err: err}
	var apiErr *marketapi.APIError
	if errors.As(err, &apiErr) {
		me.StatusCode = apiErr.StatusCode
		if apiErr.Message != "" {
			me.Message = apiErr.Message
		}
	}
	p.log.Warn("mutation rolled back", "op", op, "product_id", id, "status", me.StatusCode, "error", err)
	return me
}
