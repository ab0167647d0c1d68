package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/awstest"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/events"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

type apiFixture struct {
	router *gin.Engine
	db     *awstest.DynamoDB
	sqs    *awstest.SQS
}

func newFixture(t *testing.T, stock map[string]int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := awstest.NewDynamoDB()
	db.AddTable("idempotency", "idempotency_key")
	db.AddTable("orders", "order_id")
	db.AddTable("products", "product_id")
	q := awstest.NewSQS()

	products := catalog.NewStore(db, "products")
	for id, n := range stock {
		require.NoError(t, products.Put(context.Background(), catalog.Product{ProductID: id, Name: id, Price: 10, Stock: n}))
	}

	r := gin.New()
	RegisterOrdersRoutes(r, HandlerConfig{
		DynamoDBClient:   db,
		SQSClient:        q,
		IdempotencyTable: "idempotency",
		OrdersTable:      "orders",
		ProductsTable:    "products",
		QueueURL:         "http://localhost:4566/000000000000/order-events",
		TTLWindow:        48 * time.Hour,
	})
	return &apiFixture{router: r, db: db, sqs: q}
}

func (f *apiFixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := catalog.NewStore(f.db, "products").Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Stock
}

func testOrder(id string, qty int) orders.Order {
	o := orders.Order{
		OrderID:  id,
		Customer: orders.Customer{Name: "Amina", Phone: "0700000000", Location: "Mombasa"},
		Items: []orders.LineItem{
			{ProductID: "scrubs", Name: "Scrubs", UnitPrice: 10, Quantity: qty, Size: "M"},
		},
		ShippingFee: 2.5,
		Status:      orders.StatusPending,
	}
	o.ApplyTotals()
	return o
}

func decodePlace(t *testing.T, w *httptest.ResponseRecorder) PlaceResponse {
	t.Helper()
	var resp PlaceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCheckout_CreatesOrderAndReservesStock(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 5})

	w := f.do(t, http.MethodPost, "/checkout", "ord-1", testOrder("ord-1", 2))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodePlace(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "ord-1", resp.OrderID)
	assert.Equal(t, "/orders/ord-1", w.Header().Get("Location"))
	assert.Equal(t, 3, f.stock(t, "scrubs"))

	sent := f.sqs.Sent()
	require.Len(t, sent, 1)
	e, err := events.Decode(*sent[0].MessageBody)
	require.NoError(t, err)
	assert.Equal(t, events.KindInsert, e.Kind)
	assert.Equal(t, "ord-1", e.Order.OrderID)
}

func TestCheckout_RetryReplaysStoredResponse(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 5})

	first := f.do(t, http.MethodPost, "/checkout", "ord-2", testOrder("ord-2", 1))
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.do(t, http.MethodPost, "/checkout", "ord-2", testOrder("ord-2", 1))
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	assert.Equal(t, 4, f.stock(t, "scrubs"), "replay must not reserve again")
	assert.Len(t, f.db.Items("orders"), 1)
	assert.Len(t, f.sqs.Sent(), 1)
}

func (f *apiFixture) expireKey(t *testing.T, key string) {
	t.Helper()
	table := "idempotency"
	_, err := f.db.DeleteItem(context.Background(), &dyn.DeleteItemInput{
		TableName: &table,
		Key:       map[string]types.AttributeValue{"idempotency_key": &types.AttributeValueMemberS{Value: key}},
	})
	require.NoError(t, err)
}

func TestCreateOrder_RedeliveryAfterKeyExpirySucceeds(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 5})

	first := f.do(t, http.MethodPost, "/orders", "ord-9", testOrder("ord-9", 2))
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	f.expireKey(t, "ord-9")

	again := f.do(t, http.MethodPost, "/orders", "ord-9", testOrder("ord-9", 2))
	require.Equal(t, http.StatusOK, again.Code, again.Body.String())
	resp := decodePlace(t, again)
	assert.True(t, resp.Success)
	assert.Equal(t, "ord-9", resp.OrderID)
	assert.Equal(t, orders.StatusPending, resp.Status)

	assert.Equal(t, 3, f.stock(t, "scrubs"), "redelivery must not reserve again")
	assert.Len(t, f.db.Items("orders"), 1)
	assert.Len(t, f.sqs.Sent(), 1)

	// the restored record answers the next retry directly
	require.Len(t, f.db.Items("idempotency"), 1)
	third := f.do(t, http.MethodPost, "/orders", "ord-9", testOrder("ord-9", 2))
	require.Equal(t, http.StatusOK, third.Code)
	assert.JSONEq(t, again.Body.String(), third.Body.String())
}

func TestCreateOrder_OrderIDClashIsConflict(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 5})

	first := f.do(t, http.MethodPost, "/orders", "ord-10", testOrder("ord-10", 1))
	require.Equal(t, http.StatusCreated, first.Code)
	f.expireKey(t, "ord-10")

	w := f.do(t, http.MethodPost, "/orders", "ord-10", testOrder("ord-10", 3))
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "order_exists")
	assert.Empty(t, f.db.Items("idempotency"))
	assert.Equal(t, 4, f.stock(t, "scrubs"))
}

func TestCheckout_StockShortfallIsRejected(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 1})

	w := f.do(t, http.MethodPost, "/checkout", "ord-3", testOrder("ord-3", 2))
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodePlace(t, w)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "scrubs")

	assert.Empty(t, f.db.Items("orders"))
	assert.Empty(t, f.db.Items("idempotency"))
	assert.Equal(t, 1, f.stock(t, "scrubs"))
}

func TestCreateOrder_QueuedShortfallIsFlagged(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 1})

	w := f.do(t, http.MethodPost, "/orders", "ord-4", testOrder("ord-4", 3))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodePlace(t, w)
	assert.True(t, resp.Success)
	assert.True(t, resp.StockConflict)

	got, err := orders.NewStore(f.db, "orders", "products").Get(context.Background(), "ord-4")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.StockConflict)
	assert.Equal(t, 1, f.stock(t, "scrubs"))
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 10})

	w := f.do(t, http.MethodPost, "/orders", "", testOrder("ord-5", 1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := testOrder("ord-5", 1)
	bad.Total = 1
	w = f.do(t, http.MethodPost, "/orders", "ord-5", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")
	assert.Empty(t, f.db.Items("orders"))
}

func TestCreateOrder_PublishFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 10})
	f.sqs.FailWith(errors.New("queue unavailable"))

	w := f.do(t, http.MethodPost, "/orders", "ord-6", testOrder("ord-6", 1))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, f.db.Items("orders"), 1)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 10})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", "ord-7", testOrder("ord-7", 1)).Code)

	w := f.do(t, http.MethodPatch, "/orders/ord-7/status", "", map[string]string{"status": "Sent"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Success bool         `json:"success"`
		Order   orders.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, orders.StatusDispatched, body.Order.Status)

	sent := f.sqs.Sent()
	require.Len(t, sent, 2)
	e, err := events.Decode(*sent[1].MessageBody)
	require.NoError(t, err)
	assert.Equal(t, events.KindUpdate, e.Kind)

	w = f.do(t, http.MethodPatch, "/orders/missing/status", "", map[string]string{"status": "Paid"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPatch, "/orders/ord-7/status", "", map[string]string{"status": "Lost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrdersAndProducts(t *testing.T) {
	f := newFixture(t, map[string]int{"scrubs": 10})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders", "ord-8", testOrder("ord-8", 1)).Code)

	w := f.do(t, http.MethodGet, "/orders", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ol struct {
		Orders []orders.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ol))
	require.Len(t, ol.Orders, 1)
	assert.Equal(t, "ord-8", ol.Orders[0].OrderID)

	w = f.do(t, http.MethodGet, "/products", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pl struct {
		Products []catalog.Product `json:"products"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pl))
	require.Len(t, pl.Products, 1)
	assert.Equal(t, 9, pl.Products[0].Stock)
}
