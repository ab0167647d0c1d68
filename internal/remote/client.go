// Package remote is the storefront's HTTP client for the order API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

const (
	// DefaultTimeout bounds a request when the caller's context has no deadline.
	DefaultTimeout = 30 * time.Second
	userAgent      = "storefront-orderflow/1.0"
	maxErrorBody   = 4 << 10
)

// APIError is a non-2xx answer from the order API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("order api: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("order api: HTTP %d %s", e.StatusCode, e.Code)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Placement is the answer to an order placement.
type Placement struct {
	Success       bool          `json:"success"`
	OrderID       string        `json:"order_id,omitempty"`
	Status        orders.Status `json:"status,omitempty"`
	StockConflict bool          `json:"stock_conflict,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Client talks to the order API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for baseURL. A zero timeout uses DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateOrder submits a queued order. The order id is the idempotency key, so
// redelivering an order the server already committed succeeds.
func (c *Client) CreateOrder(ctx context.Context, o orders.Order) (Placement, error) {
	var p Placement
	if err := c.do(ctx, http.MethodPost, "/orders", o.OrderID, o, &p); err != nil {
		return Placement{}, err
	}
	return p, nil
}

// ProcessCheckout runs the atomic server-side checkout. A stock rejection is
// returned as a Placement with Success false and a nil error.
func (c *Client) ProcessCheckout(ctx context.Context, o orders.Order) (Placement, error) {
	var p Placement
	err := c.do(ctx, http.MethodPost, "/checkout", o.OrderID, o, &p)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		reason := apiErr.Message
		if reason == "" {
			reason = apiErr.Code
		}
		return Placement{Success: false, OrderID: o.OrderID, Error: reason}, nil
	}
	if err != nil {
		return Placement{}, err
	}
	return p, nil
}

// UpdateOrderStatus sets the status of an order and returns the server copy.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) (orders.Order, error) {
	var resp struct {
		Order orders.Order `json:"order"`
	}
	path := "/orders/" + url.PathEscape(orderID) + "/status"
	if err := c.do(ctx, http.MethodPatch, path, "", map[string]string{"status": string(status)}, &resp); err != nil {
		return orders.Order{}, err
	}
	return resp.Order, nil
}

// GetOrders lists every order, newest first.
func (c *Client) GetOrders(ctx context.Context) ([]orders.Order, error) {
	var resp struct {
		Orders []orders.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// GetProducts lists the catalog.
func (c *Client) GetProducts(ctx context.Context) ([]catalog.Product, error) {
	var resp struct {
		Products []catalog.Product `json:"products"`
	}
	if err := c.do(ctx, http.MethodGet, "/products", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error  string `json:"error"`
		Msg    string `json:"msg"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Code = body.Error
		apiErr.Message = body.Msg
		if apiErr.Message == "" {
			apiErr.Message = body.Detail
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
