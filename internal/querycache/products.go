package querycache

import (
	"github.com/fairyhunter13/marketplace-sync/internal/model"
)

// Well-known key roots. A single product lives under ProductRoot + id; every
// product list (one per filter) lives under ProductsKey and holds a
// model.ProductFeed.
var (
	ProductRoot     = Key{"product"}
	ProductsKey     = Key{"products"}
	ProductTypesKey = Key{"product-types"}
	OrdersKey       = Key{"orders"}
	ReservationsKey = Key{"reservations"}
)

// ProductKey addresses the single-product entry for id.
func ProductKey(id string) Key { return Key{"product", id} }

// ProductListKey addresses one product list. An empty filter is the default
// catalogue listing.
func ProductListKey(filter string) Key {
	if filter == "" {
		return Key{"products", "all"}
	}
	return Key{"products", filter}
}

// OrderListKey addresses the order history of one buyer.
func OrderListKey(buyerID string) Key { return Key{"orders", buyerID} }

// PatchProduct rewrites product id with fn in the single-product entry and in
// every page of every cached product list. It returns how many entries were
// touched.
func PatchProduct(c *Cache, id string, fn func(model.Product) model.Product) int {
	n := 0
	if c.Update(ProductKey(id), func(old any, ok bool) (any, bool) {
		p, isProduct := old.(model.Product)
		if !ok || !isProduct {
			return nil, false
		}
		return fn(p), true
	}) {
		n++
	}
	n += c.UpdateMatching(ProductsKey, func(_ Key, old any) (any, bool) {
		feed, ok := old.(model.ProductFeed)
		if !ok {
			return nil, false
		}
		next := feed.Clone()
		hit := false
		for pi := range next.Pages {
			for i := range next.Pages[pi].Products {
				if next.Pages[pi].Products[i].ID == id {
					next.Pages[pi].Products[i] = fn(next.Pages[pi].Products[i])
					hit = true
				}
			}
		}
		return next, hit
	})
	return n
}

// ProductSnapshot captures every cached copy of one product so a speculative
// patch can be undone exactly.
type ProductSnapshot struct {
	ID     string
	single *model.Product
	lists  map[string]model.Product
}

// Snapshot records the current cached copies of product id.
func Snapshot(c *Cache, id string) ProductSnapshot {
	s := ProductSnapshot{ID: id, lists: map[string]model.Product{}}
	if v, ok := c.Get(ProductKey(id)); ok {
		if p, ok := v.(model.Product); ok {
			s.single = &p
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.matchLocked(ProductsKey) {
		feed, ok := e.data.(model.ProductFeed)
		if !e.hasData || !ok {
			continue
		}
		for _, pg := range feed.Pages {
			for _, p := range pg.Products {
				if p.ID == id {
					s.lists[e.key.String()] = p
				}
			}
		}
	}
	return s
}

// Quantity returns the snapshotted quantity, preferring the single-product
// entry over list copies.
func (s ProductSnapshot) Quantity() (int64, bool) {
	if s.single != nil {
		return s.single.Quantity, true
	}
	for _, p := range s.lists {
		return p.Quantity, true
	}
	return 0, false
}

// Product returns the snapshotted product, preferring the single-product
// entry over list copies.
func (s ProductSnapshot) Product() (model.Product, bool) {
	if s.single != nil {
		return *s.single, true
	}
	for _, p := range s.lists {
		return p, true
	}
	return model.Product{}, false
}

// Restore writes the snapshotted copies back. Entries that were not cached
// when the snapshot was taken are left alone.
func (s ProductSnapshot) Restore(c *Cache) {
	if s.single != nil {
		p := *s.single
		c.Update(ProductKey(s.ID), func(_ any, _ bool) (any, bool) { return p, true })
	}
	if len(s.lists) == 0 {
		return
	}
	c.UpdateMatching(ProductsKey, func(key Key, old any) (any, bool) {
		want, ok := s.lists[key.String()]
		feed, isFeed := old.(model.ProductFeed)
		if !ok || !isFeed {
			return nil, false
		}
		next := feed.Clone()
		for pi := range next.Pages {
			for i := range next.Pages[pi].Products {
				if next.Pages[pi].Products[i].ID == s.ID {
					next.Pages[pi].Products[i] = want
				}
			}
		}
		return next, true
	})
}
