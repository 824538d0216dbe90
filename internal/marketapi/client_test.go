package marketapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-sync/internal/model"
)

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{MaxRetries: n, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestPurchaseSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody model.PurchaseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/purchase", r.URL.Path)
		gotKey = r.Header.Get(IdempotencyHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.Order{ID: "o1", ProductID: gotBody.ProductID, Quantity: gotBody.Quantity})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	o, err := c.Purchase(context.Background(), model.PurchaseRequest{ProductID: "p1", Quantity: 2, BuyerID: "u1"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, int64(2), gotBody.Quantity)
}

func TestMutationErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"unavailable","message":"try later"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: fastRetry(3)})
	_, err := c.Reserve(context.Background(), model.ReserveRequest{ProductID: "p1", Quantity: 1}, "k")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "try later", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(model.Product{ID: "p1", Quantity: 4})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: fastRetry(2)})
	p, err := c.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Quantity)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReadsDoNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"product not found"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: fastRetry(5)})
	_, err := c.GetProduct(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListProductsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(model.ProductPage{Page: 2, Limit: 10, Total: 11})
	}))
	defer srv.Close()

	pg, err := New(Config{BaseURL: srv.URL}).ListProducts(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 11, pg.Total)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, RetryPolicy{MaxRetries: 5, BaseBackoff: time.Hour}, func() error { return errors.New("boom") })
	assert.ErrorIs(t, err, context.Canceled)
}
