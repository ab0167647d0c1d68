package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/awstest"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

func newTestStore(t *testing.T) (*Store, *awstest.DynamoDB) {
	t.Helper()
	mock := awstest.NewDynamoDB()
	s := NewStore(mock, DefaultTables(), nil)
	require.NoError(t, s.EnsureTables(context.Background()))
	return s, mock
}

func sampleOrder(id string) orders.Order {
	o := orders.Order{
		OrderID:  id,
		Customer: orders.Customer{Name: "Wanjiru", Phone: "0711", Location: "Kisumu"},
		Items: []orders.LineItem{
			{ProductID: "scrub-top", Name: "Scrub Top", UnitPrice: 25, Quantity: 2, Size: "S", Color: "Teal"},
		},
		ShippingFee: 5,
		Status:      orders.StatusPending,
		CreatedAt:   time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	}
	o.ApplyTotals()
	return o
}

func TestEnsureTables_CreatesOnce(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)
	assert.Equal(t, 3, mock.Calls("CreateTable"))

	require.NoError(t, s.EnsureTables(context.Background()))
	assert.Equal(t, 3, mock.Calls("CreateTable"), "existing tables must not be recreated")
}

func TestEnsureTables_SurfacesDescribeErrors(t *testing.T) {
	t.Parallel()
	mock := awstest.NewDynamoDB()
	boom := errors.New("endpoint unreachable")
	mock.FailOn("DescribeTable", boom)

	err := NewStore(mock, DefaultTables(), nil).EnsureTables(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, mock.Calls("CreateTable"))
}

func TestEnqueue_CreateOrderWritesQueueAndCache(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	order := sampleOrder("ORD-1")

	entry, err := s.Enqueue(ctx, CreateOrder{Order: order})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Seq)
	assert.Equal(t, StatusPending, entry.Status)

	cached, err := s.GetCachedOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.Total, cached.Total)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, pending[0].DecodeErr)
	got, ok := pending[0].Mutation.(CreateOrder)
	require.True(t, ok, "expected CreateOrder, got %T", pending[0].Mutation)
	assert.Equal(t, "ORD-1", got.Order.OrderID)
	assert.Equal(t, order.Items, got.Order.Items)
	assert.Equal(t, TableOrders, pending[0].Table)
	assert.Equal(t, ActionCreate, pending[0].Action)
}

func TestEnqueue_SequencesAreFIFO(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.nowFunc = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Enqueue(ctx, CreateOrder{Order: sampleOrder(id)})
		require.NoError(t, err)
	}
	_, err := s.Enqueue(ctx, UpdateOrderStatus{OrderID: "a", Status: orders.StatusPaid})
	require.NoError(t, err)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for i, e := range pending {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	upd, ok := pending[3].Mutation.(UpdateOrderStatus)
	require.True(t, ok)
	assert.Equal(t, orders.StatusPaid, upd.Status)

	cached, err := s.GetCachedOrder(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, cached.Status)
}

func TestEnqueue_StatusUpdateNeedsCachedOrder(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	_, err := s.Enqueue(context.Background(), UpdateOrderStatus{OrderID: "ghost", Status: orders.StatusPaid})
	require.ErrorIs(t, err, ErrNotCached)

	pending, err := s.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, mock.Items("orders"))
}

func TestEnqueue_RejectsInvalidMutations(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	_, err := s.Enqueue(context.Background(), CreateOrder{})
	require.ErrorIs(t, err, ErrMalformedEntry)
	_, err = s.Enqueue(context.Background(), UpdateOrderStatus{OrderID: "x", Status: "Lost"})
	require.ErrorIs(t, err, ErrMalformedEntry)
	assert.Zero(t, mock.Calls("TransactWriteItems"))
}

func TestEnqueue_StorageFailureWritesNothing(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)
	boom := errors.New("disk full")
	mock.FailOn("TransactWriteItems", boom)

	_, err := s.Enqueue(context.Background(), CreateOrder{Order: sampleOrder("ORD-9")})
	require.ErrorIs(t, err, boom)

	_, err = s.GetCachedOrder(context.Background(), "ORD-9")
	require.ErrorIs(t, err, ErrNotCached)
	pending, err := s.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	e, err := s.Enqueue(ctx, CreateOrder{Order: sampleOrder("ORD-2")})
	require.NoError(t, err)

	require.NoError(t, s.MarkSyncing(ctx, e.Seq))
	require.ErrorIs(t, s.MarkSyncing(ctx, e.Seq), ErrStatusMismatch, "second claim must fail")

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "syncing entries are not pending")

	require.NoError(t, s.MarkPending(ctx, e.Seq, errors.New("503 from api")))
	require.ErrorIs(t, s.MarkPending(ctx, e.Seq, nil), ErrStatusMismatch)

	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "503 from api", pending[0].LastError)

	require.NoError(t, s.MarkFailed(ctx, e.Seq, "operator parked"))
	failed, err := s.ListByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, s.Remove(ctx, e.Seq))
	require.NoError(t, s.Remove(ctx, e.Seq), "remove is idempotent")
	require.ErrorIs(t, s.MarkFailed(ctx, e.Seq, "gone"), ErrStatusMismatch)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[EntryStatus]int{StatusPending: 0, StatusSyncing: 0, StatusFailed: 0}, counts)
}

func TestRecoverSyncing(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, err := s.Enqueue(ctx, CreateOrder{Order: sampleOrder("a")})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, CreateOrder{Order: sampleOrder("b")})
	require.NoError(t, err)
	claimed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return claimed }
	require.NoError(t, s.MarkSyncing(ctx, a.Seq))

	s.nowFunc = func() time.Time { return claimed.Add(time.Minute) }
	n, err := s.RecoverSyncing(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.Seq, pending[0].Seq)
	assert.Equal(t, "interrupted", pending[0].LastError)
	assert.Equal(t, claimed, pending[0].ClaimedAt)
}

func TestRecoverSyncing_LeavesFreshClaim(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, err := s.Enqueue(ctx, CreateOrder{Order: sampleOrder("a")})
	require.NoError(t, err)

	claimed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return claimed }
	require.NoError(t, s.MarkSyncing(ctx, a.Seq))

	s.nowFunc = func() time.Time { return claimed.Add(5 * time.Second) }
	n, err := s.RecoverSyncing(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)

	syncing, err := s.ListByStatus(ctx, StatusSyncing)
	require.NoError(t, err)
	require.Len(t, syncing, 1)
	assert.Equal(t, claimed, syncing[0].ClaimedAt)

	// the live pass can still settle its claim
	require.NoError(t, s.Remove(ctx, a.Seq))
}

func TestRecoverSyncing_UnstampedClaimIsStale(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)
	ctx := context.Background()
	mock.Put("syncQueue", map[string]types.AttributeValue{
		"seq":        &types.AttributeValueMemberN{Value: "7"},
		"table_name": &types.AttributeValueMemberS{Value: "orders"},
		"action":     &types.AttributeValueMemberS{Value: "UPDATE"},
		"status":     &types.AttributeValueMemberS{Value: "syncing"},
		"created_at": &types.AttributeValueMemberS{Value: "2026-01-01T00:00:00Z"},
		"attempts":   &types.AttributeValueMemberN{Value: "0"},
		"payload": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"order_id":   &types.AttributeValueMemberS{Value: "a"},
			"status":     &types.AttributeValueMemberS{Value: "Delivered"},
			"updated_at": &types.AttributeValueMemberS{Value: "2026-01-01T00:00:00Z"},
		}},
	})

	n, err := s.RecoverSyncing(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListPending_FlagsMalformedEntries(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, CreateOrder{Order: sampleOrder("good")})
	require.NoError(t, err)

	mock.Put("syncQueue", map[string]types.AttributeValue{
		"seq":        &types.AttributeValueMemberN{Value: "40"},
		"table_name": &types.AttributeValueMemberS{Value: "orders"},
		"action":     &types.AttributeValueMemberS{Value: "DELETE"},
		"status":     &types.AttributeValueMemberS{Value: "pending"},
		"created_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		"attempts":   &types.AttributeValueMemberN{Value: "0"},
		"payload":    &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
	})
	mock.Put("syncQueue", map[string]types.AttributeValue{
		"seq":        &types.AttributeValueMemberN{Value: "41"},
		"table_name": &types.AttributeValueMemberS{Value: "orders"},
		"action":     &types.AttributeValueMemberS{Value: "CREATE"},
		"status":     &types.AttributeValueMemberS{Value: "pending"},
		"created_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		"attempts":   &types.AttributeValueMemberN{Value: "0"},
		"payload":    &types.AttributeValueMemberS{Value: "not a map"},
	})

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.NoError(t, pending[0].DecodeErr)
	for _, e := range pending[1:] {
		assert.ErrorIs(t, e.DecodeErr, ErrMalformedEntry)
		assert.Nil(t, e.Mutation)
	}
}

func TestCached_OrderedLazyAndRestartable(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		o := sampleOrder(id)
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute).Add(time.Duration(i) * 500 * time.Millisecond)
		require.NoError(t, s.PutCached(ctx, TableOrders, o))
	}

	seq := Cached[orders.Order](ctx, s, TableOrders, "created_at", true)
	var ids []string
	for o, err := range seq {
		require.NoError(t, err)
		ids = append(ids, o.OrderID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)

	// early break
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)

	// ranging again sees writes made since the last range
	latest := sampleOrder("latest")
	latest.CreatedAt = base.Add(time.Hour)
	require.NoError(t, s.PutCached(ctx, TableOrders, latest))
	ids = ids[:0]
	for o, err := range seq {
		require.NoError(t, err)
		ids = append(ids, o.OrderID)
	}
	assert.Equal(t, []string{"latest", "new", "mid", "old"}, ids)
}

func TestCached_ScanErrorEndsIteration(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)
	mock.FailOn("Scan", errors.New("io"))

	var errs int
	for _, err := range Cached[catalog.Product](context.Background(), s, TableProducts, "name", false) {
		require.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestBulkPutCached_Chunks(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)
	ctx := context.Background()

	products := make([]catalog.Product, 60)
	for i := range products {
		products[i] = catalog.Product{ProductID: fmt.Sprintf("p-%02d", i), Name: "p", Price: 1, Stock: i}
	}
	require.NoError(t, BulkPutCached(ctx, s, TableProducts, products))
	assert.Equal(t, 3, mock.Calls("BatchWriteItem"))
	assert.Len(t, mock.Items("products"), 60)

	require.Error(t, BulkPutCached(ctx, s, TableProducts, []map[string]string{{"name": "no key"}}))
}

func TestSetCachedOrderStatus(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutCached(ctx, TableOrders, sampleOrder("o1")))

	require.NoError(t, s.SetCachedOrderStatus(ctx, "o1", orders.StatusDelivered, time.Now()))
	got, err := s.GetCachedOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, got.Status)

	require.ErrorIs(t, s.SetCachedOrderStatus(ctx, "nope", orders.StatusPaid, time.Now()), ErrNotCached)
}
