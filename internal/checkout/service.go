// Package checkout places orders from the storefront. Online, an order goes
// through the server's atomic checkout; offline, it is cached and queued in the
// outbox for the sync coordinator.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
	"github.com/imrishuroy/storefront-orderflow/internal/remote"
	"github.com/imrishuroy/storefront-orderflow/internal/validation"
)

// Path is the route an operation took.
type Path string

const (
	PathOnline Path = "online"
	PathQueued Path = "queued"
)

// ErrInvalidOrder wraps validation failures of a built order.
var ErrInvalidOrder = errors.New("invalid order")

// RejectedError is an authoritative refusal from the server, such as
// insufficient stock. Nothing was recorded locally.
type RejectedError struct {
	OrderID string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("checkout of order %s rejected: %s", e.OrderID, e.Reason)
}

// Outbox is the local store the service writes through.
type Outbox interface {
	Enqueue(ctx context.Context, m outbox.Mutation) (outbox.Entry, error)
	PutCached(ctx context.Context, table outbox.Table, v any) error
}

// API is the remote half of checkout.
type API interface {
	ProcessCheckout(ctx context.Context, o orders.Order) (remote.Placement, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) (orders.Order, error)
}

// Connectivity reports whether the API is reachable right now.
type Connectivity interface {
	Online() bool
}

// Request is what the shopper submits.
type Request struct {
	OrderID        string // optional; generated when empty
	Customer       orders.Customer
	Items          []orders.LineItem
	ShippingFee    float64
	ShippingMethod string
	PaymentRef     string
	Notes          string
}

// Receipt describes a placed order.
type Receipt struct {
	Order orders.Order
	Path  Path
	Seq   int64 // outbox sequence, queued path only
}

// Service selects the checkout path.
type Service struct {
	store       Outbox
	api         API
	conn        Connectivity
	validate    *validatorv10.Validate
	callTimeout time.Duration
	log         *slog.Logger
	nowFunc     func() time.Time
}

// NewService wires a checkout service. callTimeout bounds each remote call.
func NewService(store Outbox, api API, conn Connectivity, callTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if callTimeout <= 0 {
		callTimeout = remote.DefaultTimeout
	}
	return &Service{
		store:       store,
		api:         api,
		conn:        conn,
		validate:    validation.New(),
		callTimeout: callTimeout,
		log:         logger,
		nowFunc:     time.Now,
	}
}

// Checkout builds and places an order.
//
// Online, a successful server checkout is mirrored into the cache and never
// queued; a refusal is returned as *RejectedError. If the server gives no
// answer at all the order is queued instead, which is safe because the order
// id is the server's idempotency key. Offline, the order is cached and queued
// in one local transaction; a storage failure is returned as an error.
func (s *Service) Checkout(ctx context.Context, req Request) (Receipt, error) {
	order, err := s.build(req)
	if err != nil {
		return Receipt{}, err
	}

	if s.conn.Online() {
		r, err := s.placeOnline(ctx, order)
		if err == nil || !fallsBack(err) {
			return r, err
		}
		s.log.Warn("Online checkout got no answer, queueing order", "order_id", order.OrderID, "error", err)
	}

	entry, err := s.store.Enqueue(ctx, outbox.CreateOrder{Order: order})
	if err != nil {
		return Receipt{}, fmt.Errorf("queue order %s: %w", order.OrderID, err)
	}
	s.log.Info("Order queued for sync", "order_id", order.OrderID, "seq", entry.Seq)
	return Receipt{Order: order, Path: PathQueued, Seq: entry.Seq}, nil
}

func (s *Service) placeOnline(ctx context.Context, order orders.Order) (Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	p, err := s.api.ProcessCheckout(callCtx, order)
	if err != nil {
		return Receipt{}, fmt.Errorf("process checkout %s: %w", order.OrderID, err)
	}
	if !p.Success {
		return Receipt{}, &RejectedError{OrderID: order.OrderID, Reason: p.Error}
	}

	if err := s.store.PutCached(ctx, outbox.TableOrders, order); err != nil {
		// the order is durable server-side; the poller will fill the cache
		s.log.Warn("Could not cache placed order", "order_id", order.OrderID, "error", err)
	}
	s.log.Info("Order placed", "order_id", order.OrderID, "total", order.Total)
	return Receipt{Order: order, Path: PathOnline}, nil
}

// UpdateStatus moves an order to status, directly when online and through the
// outbox otherwise. Queuing needs the order in the local cache.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, status orders.Status) (Path, error) {
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, status)
	}

	if s.conn.Online() {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		updated, err := s.api.UpdateOrderStatus(callCtx, orderID, status)
		cancel()
		if err == nil {
			if err := s.store.PutCached(ctx, outbox.TableOrders, updated); err != nil {
				s.log.Warn("Could not cache updated order", "order_id", orderID, "error", err)
			}
			return PathOnline, nil
		}
		if !fallsBack(err) {
			return "", fmt.Errorf("update order %s status: %w", orderID, err)
		}
		s.log.Warn("Status update got no answer, queueing", "order_id", orderID, "error", err)
	}

	m := outbox.UpdateOrderStatus{OrderID: orderID, Status: status, UpdatedAt: s.nowFunc().UTC()}
	if _, err := s.store.Enqueue(ctx, m); err != nil {
		return "", fmt.Errorf("queue status update for %s: %w", orderID, err)
	}
	return PathQueued, nil
}

func (s *Service) build(req Request) (orders.Order, error) {
	now := s.nowFunc().UTC()
	o := orders.Order{
		OrderID:        req.OrderID,
		Customer:       req.Customer,
		Items:          req.Items,
		ShippingFee:    req.ShippingFee,
		ShippingMethod: req.ShippingMethod,
		PaymentRef:     req.PaymentRef,
		Notes:          req.Notes,
		Status:         orders.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.OrderID == "" {
		o.OrderID = uuid.NewString()
	}
	o.ApplyTotals()

	if err := s.validate.Struct(o); err != nil {
		return orders.Order{}, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	return o, nil
}

// fallsBack reports whether err leaves the outcome unknown: a transport error
// or a server-side failure, as opposed to a refusal.
func fallsBack(err error) bool {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false
	}
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}
