// Package model defines domain types shared by the server, the API client
// and the per-session query cache.
package model

import "time"

// ProductStatus is the lifecycle state of a listing.
type ProductStatus string

const (
	StatusPending  ProductStatus = "pending"
	StatusApproved ProductStatus = "approved"
	StatusRejected ProductStatus = "rejected"
	StatusSoldOut  ProductStatus = "sold_out"
)

// Product represents the current state of a listed digital account.
type Product struct {
	ID                string        `json:"id"`
	SellerID          string        `json:"sellerId,omitempty"`
	Title             string        `json:"title"`
	Category          string        `json:"category,omitempty"`
	Price             float64       `json:"price"`
	Quantity          int64         `json:"quantity"`
	ReservedQuantity  int64         `json:"reservedQuantity"`
	AvailableQuantity int64         `json:"availableQuantity"`
	Status            ProductStatus `json:"status"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// WithQuantity returns a copy with quantity set and status re-derived:
// sold_out at zero; a sold-out product that regains stock becomes approved.
func (p Product) WithQuantity(q int64, at time.Time) Product {
	if q < 0 {
		q = 0
	}
	p.Quantity = q
	switch {
	case q == 0:
		p.Status = StatusSoldOut
	case p.Status == StatusSoldOut:
		p.Status = StatusApproved
	}
	p.UpdatedAt = at
	return p
}

// ListingUpdate represents an incoming partial change to a listing, sent by
// its seller or a manager.
type ListingUpdate struct {
	ProductID string         `json:"product_id"`
	Title     *string        `json:"title,omitempty"`
	Price     *float64       `json:"price,omitempty"`
	Stock     *int64         `json:"stock,omitempty"`
	Status    *ProductStatus `json:"status,omitempty"`
	Sequence  uint64         `json:"-"`
}

// Merge folds another update for the same listing into u. Fields from the
// update with the higher sequence win whatever order they arrive in; the
// result carries the higher sequence.
func (u ListingUpdate) Merge(next ListingUpdate) ListingUpdate {
	if next.Sequence < u.Sequence {
		return next.Merge(u)
	}
	if next.Title != nil {
		u.Title = next.Title
	}
	if next.Price != nil {
		u.Price = next.Price
	}
	if next.Stock != nil {
		u.Stock = next.Stock
	}
	if next.Status != nil {
		u.Status = next.Status
	}
	if next.Sequence > u.Sequence {
		u.Sequence = next.Sequence
	}
	return u
}

// Order is the record created by a successful purchase.
type Order struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"productId"`
	BuyerID    string    `json:"buyerId"`
	Quantity   int64     `json:"quantity"`
	UnitPrice  float64   `json:"unitPrice"`
	TotalPrice float64   `json:"totalPrice"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Reservation is a temporary hold on stock.
type Reservation struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	BuyerID   string    `json:"buyerId"`
	Quantity  int64     `json:"quantity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PurchaseRequest is the body of POST /api/purchase.
type PurchaseRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	BuyerID   string `json:"buyerId"`
}

// ReserveRequest is the body of POST /api/reserve. Duration is in minutes.
type ReserveRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	BuyerID   string `json:"buyerId"`
	Duration  *int64 `json:"duration,omitempty"`
}

// ProductPage is one page of the product listing.
type ProductPage struct {
	Products []Product `json:"products"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// ProductFeed is the paginated product list as held by a session cache.
type ProductFeed struct {
	Pages []ProductPage `json:"pages"`
}

// Clone returns a deep copy so cached pages are never mutated in place.
func (f ProductFeed) Clone() ProductFeed {
	out := ProductFeed{Pages: make([]ProductPage, len(f.Pages))}
	for i, pg := range f.Pages {
		cp := pg
		cp.Products = append([]Product(nil), pg.Products...)
		out.Pages[i] = cp
	}
	return out
}
