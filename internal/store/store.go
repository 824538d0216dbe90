// Package store is the server-side authority for the marketplace catalogue:
// listings, stock, orders and reservations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

var (
	ErrNotFound          = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrUnavailable       = errors.New("product is not available for sale")
)

type productState struct {
	p            model.Product
	lastSequence uint64
}

type replay struct {
	order       *model.Order
	reservation *model.Reservation
}

type Store struct {
	mu           sync.RWMutex
	m            map[string]productState
	ids          []string
	orders       []model.Order
	reservations map[string]model.Reservation
	idem         map[string]replay
	now          func() time.Time
}

// DefaultSweepInterval is how often RunSweeper releases expired holds when
// no interval is given.
const DefaultSweepInterval = 5 * time.Second

func New() *Store {
	return &Store{
		m:            make(map[string]productState),
		reservations: make(map[string]model.Reservation),
		idem:         make(map[string]replay),
		now:          time.Now,
	}
}

// Seed inserts or replaces products. Quantities are normalised so
// AvailableQuantity reflects outstanding reservations.
func (s *Store) Seed(products ...model.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		if _, ok := s.m[p.ID]; !ok {
			s.ids = append(s.ids, p.ID)
		}
		if p.Status == "" {
			p.Status = model.StatusApproved
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = s.now()
		}
		p.ReservedQuantity = s.heldLocked(p.ID)
		s.m[p.ID] = productState{p: normalise(p)}
	}
}

// heldLocked sums the live holds on product id.
func (s *Store) heldLocked(id string) int64 {
	var n int64
	for _, r := range s.reservations {
		if r.ProductID == id {
			n += r.Quantity
		}
	}
	return n
}

func normalise(p model.Product) model.Product {
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	if p.ReservedQuantity < 0 {
		p.ReservedQuantity = 0
	}
	p.AvailableQuantity = max(0, p.Quantity-p.ReservedQuantity)
	switch {
	case p.Quantity == 0 && p.Status == model.StatusApproved:
		p.Status = model.StatusSoldOut
	case p.Quantity > 0 && p.Status == model.StatusSoldOut:
		p.Status = model.StatusApproved
	}
	return p
}

func (s *Store) Get(id string) (model.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[id]
	if !ok {
		return model.Product{}, false
	}
	return st.p, true
}

// List returns one page of products in insertion order. page starts at 1.
func (s *Store) List(page, limit int) model.ProductPage {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.ids)
	start := (page - 1) * limit
	out := model.ProductPage{Products: []model.Product{}, Page: page, Limit: limit, Total: total}
	if start >= total {
		return out
	}
	end := start + limit
	if end > total {
		end = total
	}
	for _, id := range s.ids[start:end] {
		out.Products = append(out.Products, s.m[id].p)
	}
	out.HasMore = end < total
	return out
}

// Upsert applies a listing update. Updates older than or equal to the last
// applied sequence for the product are ignored. It reports whether the
// update changed anything.
func (s *Store) Upsert(u model.ListingUpdate) bool {
	if u.ProductID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[u.ProductID]
	if ok && u.Sequence <= st.lastSequence {
		return false
	}
	if !ok {
		st = productState{p: model.Product{ID: u.ProductID, Status: model.StatusApproved}}
		s.ids = append(s.ids, u.ProductID)
	}
	if u.Title != nil {
		st.p.Title = *u.Title
	}
	if u.Price != nil {
		st.p.Price = *u.Price
	}
	if u.Stock != nil {
		st.p.Quantity = *u.Stock
	}
	if u.Status != nil {
		st.p.Status = *u.Status
	}
	st.p.ReservedQuantity = s.heldLocked(u.ProductID)
	st.p.UpdatedAt = s.now()
	st.p = normalise(st.p)
	st.lastSequence = u.Sequence
	s.m[u.ProductID] = st
	return true
}

// sellable checks that qty units can be sold. own is stock the caller
// already holds and may use on top of AvailableQuantity.
func (s *Store) sellable(id string, qty, own int64) (productState, error) {
	if qty <= 0 {
		return productState{}, ErrInvalidQuantity
	}
	st, ok := s.m[id]
	if !ok {
		return productState{}, ErrNotFound
	}
	if st.p.Status != model.StatusApproved && st.p.Status != model.StatusSoldOut {
		return productState{}, ErrUnavailable
	}
	if avail := min(st.p.Quantity, st.p.AvailableQuantity+own); avail < qty {
		return productState{}, fmt.Errorf("%w: only %d available", ErrInsufficientStock, avail)
	}
	return st, nil
}

// Purchase decrements stock and records an order. The buyer's own live
// holds on the product are used up first, soonest expiry first. A non-empty
// idemKey that was already used for a purchase returns the original order
// with replayed set.
func (s *Store) Purchase(req model.PurchaseRequest, idemKey string) (order model.Order, replayed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idemKey != "" {
		if r, ok := s.idem["purchase:"+idemKey]; ok && r.order != nil {
			return *r.order, true, nil
		}
	}
	holds := s.buyerHoldsLocked(req.ProductID, req.BuyerID)
	var own int64
	for _, r := range holds {
		own += r.Quantity
	}
	st, err := s.sellable(req.ProductID, req.Quantity, own)
	if err != nil {
		return model.Order{}, false, err
	}
	left := req.Quantity
	for _, r := range holds {
		if left == 0 {
			break
		}
		used := min(left, r.Quantity)
		left -= used
		if r.Quantity -= used; r.Quantity == 0 {
			delete(s.reservations, r.ID)
		} else {
			s.reservations[r.ID] = r
		}
	}
	now := s.now()
	st.p.Quantity -= req.Quantity
	st.p.ReservedQuantity = s.heldLocked(req.ProductID)
	st.p.UpdatedAt = now
	st.p = normalise(st.p)
	s.m[req.ProductID] = st

	order = model.Order{
		ID:         uuid.NewString(),
		ProductID:  req.ProductID,
		BuyerID:    req.BuyerID,
		Quantity:   req.Quantity,
		UnitPrice:  st.p.Price,
		TotalPrice: st.p.Price * float64(req.Quantity),
		Status:     "completed",
		CreatedAt:  now,
	}
	s.orders = append(s.orders, order)
	if idemKey != "" {
		o := order
		s.idem["purchase:"+idemKey] = replay{order: &o}
	}
	return order, false, nil
}

// Reserve places a hold of req.Quantity for d. Held stock is subtracted from
// AvailableQuantity until the hold expires.
func (s *Store) Reserve(req model.ReserveRequest, d time.Duration, idemKey string) (res model.Reservation, replayed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idemKey != "" {
		if r, ok := s.idem["reserve:"+idemKey]; ok && r.reservation != nil {
			return *r.reservation, true, nil
		}
	}
	st, err := s.sellable(req.ProductID, req.Quantity, 0)
	if err != nil {
		return model.Reservation{}, false, err
	}
	now := s.now()
	res = model.Reservation{
		ID:        uuid.NewString(),
		ProductID: req.ProductID,
		BuyerID:   req.BuyerID,
		Quantity:  req.Quantity,
		ExpiresAt: now.Add(d),
	}
	s.reservations[res.ID] = res
	st.p.ReservedQuantity = s.heldLocked(req.ProductID)
	st.p.UpdatedAt = now
	st.p = normalise(st.p)
	s.m[req.ProductID] = st
	if idemKey != "" {
		r := res
		s.idem["reserve:"+idemKey] = replay{reservation: &r}
	}
	return res, false, nil
}

// buyerHoldsLocked returns buyerID's live holds on product id, soonest
// expiry first.
func (s *Store) buyerHoldsLocked(id, buyerID string) []model.Reservation {
	if buyerID == "" {
		return nil
	}
	var out []model.Reservation
	for _, r := range s.reservations {
		if r.ProductID == id && r.BuyerID == buyerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Categories returns the distinct non-empty product categories, sorted.
func (s *Store) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	out := []string{}
	for _, st := range s.m {
		if c := st.p.Category; c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Orders lists orders placed by buyerID, oldest first. An empty buyerID
// lists every order.
func (s *Store) Orders(buyerID string) []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Order{}
	for _, o := range s.orders {
		if buyerID == "" || o.BuyerID == buyerID {
			out = append(out, o)
		}
	}
	return out
}

// Reservations lists live holds for buyerID (all buyers when empty), soonest
// expiry first.
func (s *Store) Reservations(buyerID string) []model.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Reservation{}
	for _, r := range s.reservations {
		if buyerID == "" || r.BuyerID == buyerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// ExpireReservations releases every hold that expired at or before now and
// returns how many were released.
func (s *Store) ExpireReservations(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.reservations {
		if r.ExpiresAt.After(now) {
			continue
		}
		delete(s.reservations, id)
		n++
		st, ok := s.m[r.ProductID]
		if !ok {
			continue
		}
		st.p.ReservedQuantity = s.heldLocked(r.ProductID)
		st.p.UpdatedAt = now
		st.p = normalise(st.p)
		s.m[r.ProductID] = st
	}
	return n
}

// RunSweeper releases expired reservations every interval until ctx is done.
// A non-positive interval falls back to DefaultSweepInterval.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.ExpireReservations(s.now()); n > 0 {
				obs.Logger.Info("reservations_expired", "count", n)
			}
		}
	}
}
