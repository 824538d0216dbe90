package httpapi

import (
	"net/http"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/marketapi"
	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// maxReserveMinutes caps a single hold at one day.
const maxReserveMinutes = 24 * 60

func (a *App) purchaseHandler(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req model.PurchaseRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "productId is required")
		return
	}
	key := r.Header.Get(marketapi.IdempotencyHeader)
	order, replayed, err := a.Store.Purchase(req, key)
	if err != nil {
		obs.Logger.Info("purchase_rejected",
			"request_id", RequestIDFromContext(r.Context()),
			"product_id", req.ProductID,
			"quantity", req.Quantity,
			"error", err,
		)
		writeStoreError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, order)
	obs.Logger.Info("purchase_completed",
		"request_id", RequestIDFromContext(r.Context()),
		"order_id", order.ID,
		"product_id", order.ProductID,
		"quantity", order.Quantity,
		"replayed", replayed,
	)
}

func (a *App) reserveHandler(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req model.ReserveRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "productId is required")
		return
	}
	minutes := int64(a.Cfg.DefaultReserveMins)
	if req.Duration != nil {
		minutes = *req.Duration
	}
	if minutes <= 0 || minutes > maxReserveMinutes {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "duration must be between 1 and 1440 minutes")
		return
	}
	key := r.Header.Get(marketapi.IdempotencyHeader)
	res, replayed, err := a.Store.Reserve(req, time.Duration(minutes)*time.Minute, key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
	obs.Logger.Info("reservation_created",
		"request_id", RequestIDFromContext(r.Context()),
		"reservation_id", res.ID,
		"product_id", res.ProductID,
		"expires_at", res.ExpiresAt,
		"replayed", replayed,
	)
}

func (a *App) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Store.Orders(r.URL.Query().Get("buyerId")))
}

func (a *App) listReservationsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Store.Reservations(r.URL.Query().Get("buyerId")))
}
