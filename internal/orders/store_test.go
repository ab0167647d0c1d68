package orders

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/storefront-orderflow/internal/awstest"
)

const (
	ordersTable   = "orders"
	idempTable    = "idempotency"
	productsTable = "products"
)

func newTestStore(t *testing.T) (*Store, *awstest.DynamoDB) {
	t.Helper()
	mock := awstest.NewDynamoDB()
	mock.AddTable(ordersTable, "order_id")
	mock.AddTable(idempTable, "idempotency_key")
	mock.AddTable(productsTable, "product_id")
	return NewStore(mock, ordersTable, productsTable), mock
}

func seedProduct(mock *awstest.DynamoDB, id string, stock int) {
	mock.Put(productsTable, map[string]types.AttributeValue{
		"product_id": &types.AttributeValueMemberS{Value: id},
		"stock":      &types.AttributeValueMemberN{Value: strconv.Itoa(stock)},
	})
}

func stockOf(t *testing.T, mock *awstest.DynamoDB, id string) int {
	t.Helper()
	for _, item := range mock.Items(productsTable) {
		if item["product_id"].(*types.AttributeValueMemberS).Value != id {
			continue
		}
		var p struct {
			Stock int `dynamodbav:"stock"`
		}
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			t.Fatalf("unmarshal product: %v", err)
		}
		return p.Stock
	}
	t.Fatalf("product %s not found", id)
	return 0
}

func sampleOrder(id string) Order {
	o := Order{
		OrderID:  id,
		Customer: Customer{Name: "Amina", Phone: "+254700000000", Location: "Nairobi"},
		Items: []LineItem{
			{ProductID: "scrub-top", Name: "Scrub Top", UnitPrice: 300, Quantity: 2, Size: "M", Color: "Navy"},
			{ProductID: "scrub-pant", Name: "Scrub Pant", UnitPrice: 200, Quantity: 1, Size: "M", Color: "Navy"},
			{ProductID: "scrub-top", Name: "Scrub Top", UnitPrice: 300, Quantity: 1, Size: "L", Color: "Navy"},
		},
		ShippingFee: 100,
		Status:      StatusPending,
	}
	o.ApplyTotals()
	return o
}

func idempItem(key, orderID string) map[string]interface{} {
	return map[string]interface{}{
		"idempotency_key": key,
		"status":          "IN_PROGRESS",
		"order_id":        orderID,
	}
}

func TestPlaceWithIdempotencyTransaction_ReservesStock(t *testing.T) {
	store, mock := newTestStore(t)
	seedProduct(mock, "scrub-top", 5)
	seedProduct(mock, "scrub-pant", 2)

	order := sampleOrder("ORD-1")
	err := store.PlaceWithIdempotencyTransaction(context.Background(), idempTable, idempItem("ORD-1", "ORD-1"), order, 48*time.Hour, true)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if len(mock.Items(idempTable)) != 1 {
		t.Fatalf("idempotency item not stored")
	}
	if _, ok := mock.Items(idempTable)[0]["expires_at"]; !ok {
		t.Fatalf("expires_at not added to idempotency item")
	}

	got, err := store.Get(context.Background(), "ORD-1")
	if err != nil || got == nil {
		t.Fatalf("get order: %v %v", got, err)
	}
	if got.Total != 1200 || got.Subtotal != 1100 {
		t.Fatalf("totals mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}

	// the two scrub-top lines are aggregated into one decrement of 3
	if s := stockOf(t, mock, "scrub-top"); s != 2 {
		t.Fatalf("expected scrub-top stock 2, got %d", s)
	}
	if s := stockOf(t, mock, "scrub-pant"); s != 1 {
		t.Fatalf("expected scrub-pant stock 1, got %d", s)
	}
}

func TestPlaceWithIdempotencyTransaction_ExistingIdempotency_Fails(t *testing.T) {
	store, mock := newTestStore(t)
	seedProduct(mock, "scrub-top", 50)
	seedProduct(mock, "scrub-pant", 50)

	mock.Put(idempTable, map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: "ORD-2"},
		"status":          &types.AttributeValueMemberS{Value: "DONE"},
	})

	err := store.PlaceWithIdempotencyTransaction(context.Background(), idempTable, idempItem("ORD-2", "ORD-2"), sampleOrder("ORD-2"), 48*time.Hour, true)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if len(mock.Items(ordersTable)) != 0 {
		t.Fatalf("order must not be written when the transaction is canceled")
	}
	if s := stockOf(t, mock, "scrub-top"); s != 50 {
		t.Fatalf("stock changed on canceled transaction: %d", s)
	}
}

func TestPlaceWithIdempotencyTransaction_StockConflict(t *testing.T) {
	store, mock := newTestStore(t)
	seedProduct(mock, "scrub-top", 2) // order needs 3
	seedProduct(mock, "scrub-pant", 9)

	err := store.PlaceWithIdempotencyTransaction(context.Background(), idempTable, idempItem("ORD-3", "ORD-3"), sampleOrder("ORD-3"), 0, true)
	var sce *StockConflictError
	if !errors.As(err, &sce) {
		t.Fatalf("expected StockConflictError, got %v", err)
	}
	if sce.ProductID != "scrub-top" {
		t.Fatalf("expected conflict on scrub-top, got %s", sce.ProductID)
	}
	if len(mock.Items(ordersTable)) != 0 || len(mock.Items(idempTable)) != 0 {
		t.Fatalf("nothing may be written on stock conflict")
	}
	if s := stockOf(t, mock, "scrub-pant"); s != 9 {
		t.Fatalf("scrub-pant stock changed: %d", s)
	}
}

func TestPlaceWithIdempotencyTransaction_UnknownProductIsConflict(t *testing.T) {
	store, mock := newTestStore(t)
	seedProduct(mock, "scrub-top", 10)

	err := store.PlaceWithIdempotencyTransaction(context.Background(), idempTable, idempItem("ORD-4", "ORD-4"), sampleOrder("ORD-4"), 0, true)
	var sce *StockConflictError
	if !errors.As(err, &sce) || sce.ProductID != "scrub-pant" {
		t.Fatalf("expected conflict on scrub-pant, got %v", err)
	}
}

func TestPlaceWithIdempotencyTransaction_WithoutReservation(t *testing.T) {
	store, mock := newTestStore(t)
	seedProduct(mock, "scrub-top", 0)

	order := sampleOrder("ORD-5")
	order.StockConflict = true
	err := store.PlaceWithIdempotencyTransaction(context.Background(), idempTable, idempItem("ORD-5", "ORD-5"), order, 0, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	got, _ := store.Get(context.Background(), "ORD-5")
	if got == nil || !got.StockConflict {
		t.Fatalf("expected flagged order, got %+v", got)
	}
	if s := stockOf(t, mock, "scrub-top"); s != 0 {
		t.Fatalf("stock must not change without reservation, got %d", s)
	}
}

func TestSetStatus_SuccessAndNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now()
	item, _ := attributevalue.MarshalMap(Order{
		OrderID:   "order-10",
		Status:    StatusPending,
		Total:     1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	mock.Put(ordersTable, item)

	got, err := store.SetStatus(context.Background(), "order-10", StatusDispatched)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.Status != StatusDispatched {
		t.Fatalf("expected Dispatched, got %s", got.Status)
	}

	_, err = store.SetStatus(context.Background(), "missing", StatusPaid)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(mock.Items(ordersTable)) != 1 {
		t.Fatalf("status update must not create orders")
	}
}

func TestList_NewestFirst(t *testing.T) {
	store, mock := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		item, _ := attributevalue.MarshalMap(Order{OrderID: id, Status: StatusPaid, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		mock.Put(ordersTable, item)
	}

	got, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].OrderID != "c" || got[2].OrderID != "a" {
		t.Fatalf("unexpected order: %+v", got)
	}
}
