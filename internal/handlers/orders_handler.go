package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/events"
	"github.com/imrishuroy/storefront-orderflow/internal/idempotency"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/validation"
)

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	DynamoDBClient   aws.DynamoDBAPI
	SQSClient        aws.SQSAPI
	IdempotencyTable string
	OrdersTable      string
	ProductsTable    string
	QueueURL         string // order events; publishing is skipped when empty
	TTLWindow        time.Duration
	Logger           *slog.Logger
}

// PlaceResponse is returned by POST /orders and POST /checkout, and replayed to retries.
type PlaceResponse struct {
	Success       bool          `json:"success"`
	OrderID       string        `json:"order_id,omitempty"`
	Status        orders.Status `json:"status,omitempty"`
	StockConflict bool          `json:"stock_conflict,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type ordersHandler struct {
	validate  *validatorv10.Validate
	idem      *idempotency.Store
	orders    *orders.Store
	products  *catalog.Store
	publisher *aws.Publisher
	ttl       time.Duration
	log       *slog.Logger
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &ordersHandler{
		validate:  validation.New(),
		idem:      idempotency.NewStore(cfg.DynamoDBClient, cfg.IdempotencyTable, cfg.TTLWindow),
		orders:    orders.NewStore(cfg.DynamoDBClient, cfg.OrdersTable, cfg.ProductsTable),
		products:  catalog.NewStore(cfg.DynamoDBClient, cfg.ProductsTable),
		publisher: aws.NewPublisher(cfg.SQSClient, cfg.QueueURL),
		ttl:       cfg.TTLWindow,
		log:       logger,
	}

	// queued orders are accepted even when stock ran out while the client was offline
	r.POST("/orders", func(c *gin.Context) { h.place(c, false) })
	// interactive checkout rejects a stock shortfall
	r.POST("/checkout", func(c *gin.Context) { h.place(c, true) })
	r.PATCH("/orders/:id/status", h.updateStatus)
	r.GET("/orders", h.listOrders)
	r.GET("/products", h.listProducts)
}

func (h *ordersHandler) place(c *gin.Context, strictStock bool) {
	ctx := c.Request.Context()

	// Require idempotency key header
	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}

	var order orders.Order
	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = orders.StatusPending
	}
	if err := h.validate.Struct(order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": validation.Fields(err)})
		return
	}
	order.StockConflict = false

	rec := h.idem.NewRecord(idempKey, order.OrderID)
	err := h.orders.PlaceWithIdempotencyTransaction(ctx, h.idem.Table(), rec, order, h.ttl, true)

	var conflict *orders.StockConflictError
	if errors.As(err, &conflict) {
		if strictStock {
			c.JSON(http.StatusConflict, PlaceResponse{Success: false, OrderID: order.OrderID, Error: conflict.Error()})
			return
		}
		h.log.Warn("accepting queued order without stock reservation",
			"order_id", order.OrderID, "product_id", conflict.ProductID)
		order.StockConflict = true
		err = h.orders.PlaceWithIdempotencyTransaction(ctx, h.idem.Table(), rec, order, h.ttl, false)
	}
	if errors.Is(err, orders.ErrDuplicate) {
		h.replay(c, idempKey, order)
		return
	}
	if err != nil {
		h.log.Error("place order failed", "order_id", order.OrderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "place_order_failed", "detail": err.Error()})
		return
	}

	resp := PlaceResponse{Success: true, OrderID: order.OrderID, Status: order.Status, StockConflict: order.StockConflict}
	responseBody, _ := json.Marshal(resp)
	if err := h.idem.MarkDone(ctx, idempKey, string(responseBody), http.StatusCreated); err != nil {
		// the order is committed; a retry still replays from the IN_PROGRESS record
		h.log.Warn("mark idempotency done failed", "idempotency_key", idempKey, "error", err)
	}

	h.publish(c, events.New(events.KindInsert, order))

	h.log.Info("order placed", "order_id", order.OrderID, "total", order.Total, "stock_conflict", order.StockConflict)
	c.Header("Location", fmt.Sprintf("/orders/%s", order.OrderID))
	c.JSON(http.StatusCreated, resp)
}

// replay answers a retried request from its idempotency record.
func (h *ordersHandler) replay(c *gin.Context, idempKey string, order orders.Order) {
	rec, err := h.idem.Get(c.Request.Context(), idempKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
		return
	}
	if rec == nil {
		h.replayExpired(c, idempKey, order)
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
			c.Data(http.StatusOK, "application/json", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, PlaceResponse{Success: true, OrderID: rec.OrderID})
	case idempotency.StatusInProgress:
		// the order was written in the same transaction as the record
		c.JSON(http.StatusOK, PlaceResponse{Success: true, OrderID: rec.OrderID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}

// replayExpired handles a retry that arrives after the idempotency record
// expired. The stored order is the evidence of the earlier delivery.
func (h *ordersHandler) replayExpired(c *gin.Context, idempKey string, order orders.Order) {
	ctx := c.Request.Context()
	existing, err := h.orders.Get(ctx, order.OrderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed", "detail": err.Error()})
		return
	}
	if existing == nil || !sameOrder(*existing, order) {
		// the order id is taken by a different order
		c.JSON(http.StatusConflict, gin.H{"error": "order_exists", "order_id": order.OrderID})
		return
	}

	resp := PlaceResponse{Success: true, OrderID: existing.OrderID, Status: existing.Status, StockConflict: existing.StockConflict}
	responseBody, _ := json.Marshal(resp)
	if err := h.idem.Restore(ctx, idempKey, existing.OrderID, string(responseBody), http.StatusOK); err != nil {
		h.log.Warn("restore idempotency record failed", "idempotency_key", idempKey, "error", err)
	}
	h.log.Info("redelivered order already stored", "order_id", existing.OrderID)
	c.JSON(http.StatusOK, resp)
}

// sameOrder reports whether b describes the order already stored as a.
// Status and timestamps are ignored since they move after creation.
func sameOrder(a, b orders.Order) bool {
	if a.OrderID != b.OrderID || a.Customer != b.Customer {
		return false
	}
	if orders.Cents(a.Total) != orders.Cents(b.Total) || len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		x, y := a.Items[i], b.Items[i]
		if x.ProductID != y.ProductID || x.Quantity != y.Quantity || orders.Cents(x.UnitPrice) != orders.Cents(y.UnitPrice) {
			return false
		}
	}
	return true
}

func (h *ordersHandler) updateStatus(c *gin.Context) {
	var req validation.StatusRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}
	status, err := orders.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "msg": err.Error()})
		return
	}

	updated, err := h.orders.SetStatus(c.Request.Context(), c.Param("id"), status)
	if errors.Is(err, orders.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	if err != nil {
		h.log.Error("status update failed", "order_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_update_failed", "detail": err.Error()})
		return
	}

	h.publish(c, events.New(events.KindUpdate, *updated))
	c.JSON(http.StatusOK, gin.H{"success": true, "order": updated})
}

func (h *ordersHandler) listOrders(c *gin.Context) {
	list, err := h.orders.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_orders_failed", "detail": err.Error()})
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (h *ordersHandler) listProducts(c *gin.Context) {
	list, err := h.products.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_products_failed", "detail": err.Error()})
		return
	}
	if list == nil {
		list = []catalog.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"products": list})
}

// publish sends an order event. Failures are logged only; clients also poll.
func (h *ordersHandler) publish(c *gin.Context, e events.OrderEvent) {
	if !h.publisher.Enabled() {
		return
	}
	body, err := events.Encode(e)
	if err != nil {
		h.log.Error("encode order event", "order_id", e.Order.OrderID, "error", err)
		return
	}
	attrs := e.Attributes()
	attrs["correlation_id"] = c.GetHeader("X-Request-Id")
	if err := h.publisher.Publish(c.Request.Context(), body, attrs); err != nil {
		h.log.Warn("publish order event failed", "order_id", e.Order.OrderID, "type", e.Kind, "error", err)
	}
}
