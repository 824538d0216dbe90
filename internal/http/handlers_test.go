package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/config"
	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
	"github.com/fairyhunter13/marketplace-sync/internal/queue"
	"github.com/fairyhunter13/marketplace-sync/internal/store"
)

type ackResp struct {
	Status      string `json:"status"`
	RequestID   string `json:"request_id"`
	ProductID   string `json:"product_id"`
	ReceivedAt  string `json:"received_at"`
	QueueDepth  int    `json:"queue_depth"`
	BacklogSize int    `json:"backlog_size"`
	WorkerCount int    `json:"worker_count"`
}

type errResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func setupApp(t *testing.T) (*App, *queue.Manager, context.CancelFunc, http.Handler) {
	t.Helper()
	cfg := config.Load()
	obs.InitLogger()
	st := store.New()
	st.Seed(
		model.Product{ID: "steam-1", Title: "Steam account", Category: "accounts", Price: 20, Quantity: 3},
		model.Product{ID: "gems-1", Title: "1000 gems", Category: "currency", Price: 5, Quantity: 10},
	)
	q := queue.New(128)
	mgr := queue.NewManager(cfg, q, st)
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	app := NewApp(cfg, st, mgr)
	mux := NewRouter(app)
	return app, mgr, func() { cancel(); mgr.Stop() }, mux
}

func do(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func drain(t *testing.T, mgr *queue.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ok := mgr.DrainUntil(ctx); !ok {
		t.Fatalf("drain timeout")
	}
}

func TestOpenAPIServed(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	rr := do(mux, http.MethodGet, "/openapi.yaml", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected content-type set")
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("openapi:")) || !bytes.Contains(rr.Body.Bytes(), []byte("/api/purchase")) {
		t.Fatalf("expected openapi content")
	}
}

func TestDocsServed(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	rr := do(mux, http.MethodGet, "/docs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "swagger-ui") {
		t.Fatalf("expected swagger-ui in docs body")
	}
}

func TestHealthzOK(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	if rr := do(mux, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestDebugMetricsHandler(t *testing.T) {
	_, mgr, cleanup, mux := setupApp(t)
	defer cleanup()
	for i := 0; i < 5; i++ {
		if w := do(mux, http.MethodPost, "/events", `{"product_id":"m","price":1}`); w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", w.Code)
		}
	}
	rr := do(mux, http.MethodGet, "/debug/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("metrics json decode: %v", err)
	}
	for _, k := range []string{"worker_count", "listing_updates", "orders"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing %s", k)
		}
	}
	drain(t, mgr)
	if st := mgr.Stats(); st.Accepted != 5 || st.Merged+st.Applied != 5 {
		t.Fatalf("unexpected queue stats after drain: %+v", st)
	}
}

func TestPrometheusMetricsExposed(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	do(mux, http.MethodGet, "/products/steam-1", "")
	rr := do(mux, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `marketsync_http_requests_total{method="GET",route="/products/{id}",status="200"}`) {
		t.Fatalf("expected route-labelled request counter")
	}
}

func TestPostEvents_HappyPath(t *testing.T) {
	_, mgr, cleanup, mux := setupApp(t)
	defer cleanup()
	rr := do(mux, http.MethodPost, "/events", `{"product_id":"p-1","price":10.5,"title":"Origin account"}`, "X-Request-Id", "test-req-1")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	var ac ackResp
	if err := json.Unmarshal(rr.Body.Bytes(), &ac); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ac.RequestID != "test-req-1" || ac.ProductID != "p-1" || ac.Status != "accepted" {
		t.Fatalf("unexpected ack: %+v", ac)
	}
	drain(t, mgr)
	rr2 := do(mux, http.MethodGet, "/products/p-1", "")
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr2.Code)
	}
	var p model.Product
	if err := json.Unmarshal(rr2.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if p.ID != "p-1" || p.Price != 10.5 || p.Title != "Origin account" {
		t.Fatalf("unexpected product: %+v", p)
	}
}

func TestPostEvents_Validation(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	cases := map[string]string{
		"unknown field":  `{"product_id":"p-2","price":1.0,"foo":"bar"}`,
		"missing id":     `{"price":1.0}`,
		"negative price": `{"product_id":"p-2","price":-1}`,
		"negative stock": `{"product_id":"p-2","stock":-1}`,
		"bad status":     `{"product_id":"p-2","status":"gone"}`,
	}
	for name, body := range cases {
		if rr := do(mux, http.MethodPost, "/events", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rr.Code)
		}
	}
}

func TestPostEvents_UnsupportedMediaType(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}
}

func TestGetProduct_NotFound(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	rr := do(mux, http.MethodGet, "/products/unknown", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var e errResp
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil || e.Error != "not_found" {
		t.Fatalf("unexpected error body: %s", rr.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	if rr := do(mux, http.MethodGet, "/api/purchase", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestListProductsAndTypes(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	rr := do(mux, http.MethodGet, "/products?page=1&limit=1", "")
	var pg model.ProductPage
	if err := json.Unmarshal(rr.Body.Bytes(), &pg); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(pg.Products) != 1 || !pg.HasMore || pg.Total != 2 {
		t.Fatalf("unexpected page: %+v", pg)
	}
	rr = do(mux, http.MethodGet, "/product-types", "")
	var types []string
	if err := json.Unmarshal(rr.Body.Bytes(), &types); err != nil {
		t.Fatalf("decode types: %v", err)
	}
	if len(types) != 2 || types[0] != "accounts" {
		t.Fatalf("unexpected types: %v", types)
	}
}

func TestPurchaseFlow(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	rr := do(mux, http.MethodPost, "/api/purchase", `{"productId":"steam-1","quantity":2,"buyerId":"u1"}`, "Idempotency-Key", "k-1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var o model.Order
	if err := json.Unmarshal(rr.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if o.TotalPrice != 40 || o.BuyerID != "u1" {
		t.Fatalf("unexpected order: %+v", o)
	}

	replay := do(mux, http.MethodPost, "/api/purchase", `{"productId":"steam-1","quantity":2,"buyerId":"u1"}`, "Idempotency-Key", "k-1")
	var o2 model.Order
	_ = json.Unmarshal(replay.Body.Bytes(), &o2)
	if replay.Code != http.StatusOK || o2.ID != o.ID {
		t.Fatalf("expected replay of %s, got %d %+v", o.ID, replay.Code, o2)
	}

	over := do(mux, http.MethodPost, "/api/purchase", `{"productId":"steam-1","quantity":2,"buyerId":"u1"}`)
	if over.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", over.Code)
	}
	var e errResp
	_ = json.Unmarshal(over.Body.Bytes(), &e)
	if e.Error != "insufficient_stock" || !strings.Contains(e.Message, "only 1 available") {
		t.Fatalf("unexpected error body: %+v", e)
	}

	orders := do(mux, http.MethodGet, "/orders?buyerId=u1", "")
	var list []model.Order
	_ = json.Unmarshal(orders.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("expected one order, got %d", len(list))
	}
}

func TestPurchaseValidation(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	cases := []struct {
		body string
		code int
	}{
		{`{"quantity":1}`, http.StatusBadRequest},
		{`{"productId":"steam-1","quantity":0}`, http.StatusBadRequest},
		{`{"productId":"nope","quantity":1}`, http.StatusNotFound},
		{`{"productId":"steam-1","quantity":1,"extra":true}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		if rr := do(mux, http.MethodPost, "/api/purchase", c.body); rr.Code != c.code {
			t.Fatalf("%s: expected %d, got %d", c.body, c.code, rr.Code)
		}
	}
}

func TestReserveDefaultsDuration(t *testing.T) {
	app, _, cleanup, mux := setupApp(t)
	defer cleanup()
	before := time.Now()
	rr := do(mux, http.MethodPost, "/api/reserve", `{"productId":"gems-1","quantity":4,"buyerId":"u2"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var res model.Reservation
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode reservation: %v", err)
	}
	want := before.Add(time.Duration(app.Cfg.DefaultReserveMins) * time.Minute)
	if res.ExpiresAt.Before(want) || res.ExpiresAt.After(want.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v, want about %v", res.ExpiresAt, want)
	}
	p, _ := app.Store.Get("gems-1")
	if p.AvailableQuantity != 6 || p.ReservedQuantity != 4 {
		t.Fatalf("unexpected product: %+v", p)
	}
	if rr := do(mux, http.MethodPost, "/api/reserve", `{"productId":"gems-1","quantity":1,"duration":0}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero duration, got %d", rr.Code)
	}
	var holds []model.Reservation
	_ = json.Unmarshal(do(mux, http.MethodGet, "/reservations?buyerId=u2", "").Body.Bytes(), &holds)
	if len(holds) != 1 {
		t.Fatalf("expected one hold, got %d", len(holds))
	}
}

func TestShutdownBehavior(t *testing.T) {
	app, _, cleanup, mux := setupApp(t)
	defer cleanup()
	app.StartShutdown()
	if w := do(mux, http.MethodPost, "/events", `{"product_id":"p-4"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRequestIDSanitised(t *testing.T) {
	_, _, cleanup, mux := setupApp(t)
	defer cleanup()
	rr := do(mux, http.MethodGet, "/healthz", "", RequestIDHeader, "ok_id-1")
	if got := rr.Header().Get(RequestIDHeader); got != "ok_id-1" {
		t.Fatalf("expected caller id echoed, got %q", got)
	}
	for _, bad := range []string{"has space", "new\tline", strings.Repeat("a", maxRequestIDLen+1)} {
		rr := do(mux, http.MethodGet, "/healthz", "", RequestIDHeader, bad)
		if got := rr.Header().Get(RequestIDHeader); got == bad || len(got) != 36 {
			t.Fatalf("expected generated id for %q, got %q", bad, got)
		}
	}
}
