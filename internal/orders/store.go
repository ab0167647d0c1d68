package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

var (
	// ErrDuplicate means the idempotency key or the order id is already committed.
	ErrDuplicate = errors.New("order already exists")
	// ErrNotFound is returned when an order id is unknown.
	ErrNotFound = errors.New("order not found")
)

// StockConflictError reports the first product whose stock could not cover the order.
type StockConflictError struct {
	ProductID string
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

// Store encapsulates operations on the orders table.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	productsTable string
	nowFunc       func() time.Time
}

// NewStore creates a new orders Store. productsTable holds the stock counters
// decremented by reserving placements.
func NewStore(client aws.DynamoDBAPI, tableName, productsTable string) *Store {
	return &Store{
		client:        client,
		tableName:     tableName,
		productsTable: productsTable,
		nowFunc:       time.Now,
	}
}

// PlaceWithIdempotencyTransaction atomically creates:
//   - idempotency record in idempotencyTable (with ConditionExpression attribute_not_exists(idempotency_key))
//   - order record in orders table (attribute_not_exists(order_id))
//   - when reserveStock is set, one conditional stock decrement per product
//
// It returns ErrDuplicate when the key or order already exists and
// *StockConflictError when a product cannot cover the requested quantity.
func (s *Store) PlaceWithIdempotencyTransaction(ctx context.Context, idempotencyTable string, idempotencyItem interface{}, order Order, ttlWindow time.Duration, reserveStock bool) error {
	idempMap, err := attributevalue.MarshalMap(idempotencyItem)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}
	if _, ok := idempMap["expires_at"]; !ok && ttlWindow > 0 {
		expires := s.nowFunc().Add(ttlWindow).Unix()
		idempMap["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
	}

	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &idempotencyTable,
				Item:                idempMap,
				ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}

	// DynamoDB rejects two operations on one item per transaction, so quantities are aggregated per product.
	var productIDs []string
	if reserveStock {
		var qty map[string]int
		productIDs, qty = order.Quantities()
		for _, id := range productIDs {
			transactItems = append(transactItems, types.TransactWriteItem{
				Update: &types.Update{
					TableName: &s.productsTable,
					Key: map[string]types.AttributeValue{
						"product_id": &types.AttributeValueMemberS{Value: id},
					},
					UpdateExpression:         awsString("SET #stock = #stock - :q, #ua = :ua"),
					ConditionExpression:      awsString("attribute_exists(product_id) AND #stock >= :q"),
					ExpressionAttributeNames: map[string]string{"#stock": "stock", "#ua": "updated_at"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":q":  &types.AttributeValueMemberN{Value: strconv.Itoa(qty[id])},
						":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					},
				},
			})
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return classifyCancellation(tce, productIDs, err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// classifyCancellation maps the per-item cancellation reasons back to the item that failed.
func classifyCancellation(tce *types.TransactionCanceledException, productIDs []string, err error) error {
	for i, reason := range tce.CancellationReasons {
		if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" {
			continue
		}
		if i < 2 {
			return ErrDuplicate
		}
		if i-2 < len(productIDs) {
			return &StockConflictError{ProductID: productIDs[i-2]}
		}
	}
	return fmt.Errorf("transaction canceled: %w", err)
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key,
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// SetStatus updates the status of an existing order and returns the updated order.
// Returns ErrNotFound if the order does not exist.
func (s *Store) SetStatus(ctx context.Context, orderID string, status Status) (*Order, error) {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :new, #ua = :ua"),
		ConditionExpression:      awsString("attribute_exists(order_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#ua": "updated_at"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberS{Value: string(status)},
			":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update item: %w", err)
	}

	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// List returns every order, newest first.
func (s *Store) List(ctx context.Context) ([]Order, error) {
	var out []Order
	p := dyn.NewScanPaginator(s.client, &dyn.ScanInput{TableName: &s.tableName})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
