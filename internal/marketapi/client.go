// Package marketapi is the HTTP client for the marketplace API. Mutations
// are sent once with an Idempotency-Key; reads are retried with backoff.
package marketapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync/internal/model"
)

// IdempotencyHeader carries the client-chosen key that lets the server
// replay a mutation's original result.
const IdempotencyHeader = "Idempotency-Key"

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("marketapi: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("marketapi: %d %s", e.StatusCode, e.Code)
}

// Temporary reports whether retrying the request might succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds every request made through the underlying http.Client.
	Timeout time.Duration
	Retry   RetryPolicy
}

// Client talks to one marketplace server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

// New creates a client. A zero Retry policy disables retries.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		retry:      cfg.Retry,
	}
}

// NewIdempotencyKey returns a fresh key for one logical mutation.
func NewIdempotencyKey() string { return uuid.NewString() }

// Purchase buys req.Quantity units. The request is never retried; callers
// reuse idemKey if they choose to resend.
func (c *Client) Purchase(ctx context.Context, req model.PurchaseRequest, idemKey string) (model.Order, error) {
	var out model.Order
	err := c.do(ctx, http.MethodPost, "/api/purchase", req, idemKey, &out)
	return out, err
}

// Reserve places a temporary hold.
func (c *Client) Reserve(ctx context.Context, req model.ReserveRequest, idemKey string) (model.Reservation, error) {
	var out model.Reservation
	err := c.do(ctx, http.MethodPost, "/api/reserve", req, idemKey, &out)
	return out, err
}

// GetProduct fetches one listing.
func (c *Client) GetProduct(ctx context.Context, id string) (model.Product, error) {
	var out model.Product
	err := c.get(ctx, "/products/"+url.PathEscape(id), &out)
	return out, err
}

// ListProducts fetches one page of the catalogue.
func (c *Client) ListProducts(ctx context.Context, page, limit int) (model.ProductPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out model.ProductPage
	err := c.get(ctx, "/products?"+q.Encode(), &out)
	return out, err
}

// ListProductTypes fetches the distinct categories in the catalogue.
func (c *Client) ListProductTypes(ctx context.Context) ([]string, error) {
	var out []string
	err := c.get(ctx, "/product-types", &out)
	return out, err
}

// ListOrders fetches buyerID's orders.
func (c *Client) ListOrders(ctx context.Context, buyerID string) ([]model.Order, error) {
	var out []model.Order
	err := c.get(ctx, "/orders?buyerId="+url.QueryEscape(buyerID), &out)
	return out, err
}

// ListReservations fetches buyerID's live holds.
func (c *Client) ListReservations(ctx context.Context, buyerID string) ([]model.Reservation, error) {
	var out []model.Reservation
	err := c.get(ctx, "/reservations?buyerId="+url.QueryEscape(buyerID), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry(ctx, c.retry, func() error {
		err := c.do(ctx, http.MethodGet, path, nil, "", out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return permanent{err}
		}
		if err != nil && ctx.Err() != nil {
			return permanent{err}
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, in any, idemKey string, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var eb struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &eb) == nil {
			if eb.Error != "" {
				apiErr.Code = eb.Error
			}
			apiErr.Message = eb.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
