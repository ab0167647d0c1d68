package outbox

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

const (
	maxBatchSize    = 25
	maxBatchRetries = 5
	batchRetryDelay = 20 * time.Millisecond
)

// PutCached upserts v into a cached table. Later writes win.
func (s *Store) PutCached(ctx context.Context, table Table, v any) error {
	name, item, err := s.cacheItem(table, v)
	if err != nil {
		return err
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &name, Item: item}); err != nil {
		return fmt.Errorf("put cached %s: %w", table, err)
	}
	return nil
}

// BulkPutCached upserts items into a cached table in batches of 25, retrying
// unprocessed writes with backoff.
func BulkPutCached[E any](ctx context.Context, s *Store, table Table, items []E) error {
	for start := 0; start < len(items); start += maxBatchSize {
		end := min(start+maxBatchSize, len(items))
		var name string
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, v := range items[start:end] {
			n, item, err := s.cacheItem(table, v)
			if err != nil {
				return err
			}
			name = n
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		if err := s.batchWrite(ctx, map[string][]types.WriteRequest{name: reqs}); err != nil {
			return fmt.Errorf("bulk put cached %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) batchWrite(ctx context.Context, pending map[string][]types.WriteRequest) error {
	delay := batchRetryDelay
	for attempt := 0; ; attempt++ {
		out, err := s.client.BatchWriteItem(ctx, &dyn.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if len(out.UnprocessedItems) == 0 {
			return nil
		}
		if attempt == maxBatchRetries {
			return fmt.Errorf("%d tables with unprocessed writes after %d retries", len(out.UnprocessedItems), maxBatchRetries)
		}
		pending = out.UnprocessedItems
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Store) cacheItem(table Table, v any) (string, map[string]types.AttributeValue, error) {
	name, ok := s.tables.name(table)
	if !ok {
		return "", nil, fmt.Errorf("unknown cached table %q", table)
	}
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return "", nil, fmt.Errorf("marshal cached %s: %w", table, err)
	}
	if _, ok := item[hashKey(table)]; !ok {
		return "", nil, fmt.Errorf("cached %s item has no %s", table, hashKey(table))
	}
	return name, item, nil
}

// SetCachedOrderStatus updates the status of a cached order.
func (s *Store) SetCachedOrderStatus(ctx context.Context, orderID string, status orders.Status, updatedAt time.Time) error {
	u := s.statusUpdate(orderID, status, updatedAt)
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("order %s: %w", orderID, ErrNotCached)
		}
		return fmt.Errorf("set cached order status: %w", err)
	}
	return nil
}

// GetCachedOrder returns a cached order or ErrNotCached.
func (s *Store) GetCachedOrder(ctx context.Context, orderID string) (orders.Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Orders,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return orders.Order{}, fmt.Errorf("get cached order: %w", err)
	}
	if len(out.Item) == 0 {
		return orders.Order{}, fmt.Errorf("order %s: %w", orderID, ErrNotCached)
	}
	var o orders.Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return orders.Order{}, fmt.Errorf("unmarshal cached order: %w", err)
	}
	return o, nil
}

// Cached iterates a cached table ordered by the orderBy attribute (table order
// when empty). Every range re-reads the table; a read failure is yielded once
// and ends the iteration, a row that cannot be decoded is yielded as an error
// and skipped.
func Cached[E any](ctx context.Context, s *Store, table Table, orderBy string, descending bool) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		var zero E
		name, ok := s.tables.name(table)
		if !ok {
			yield(zero, fmt.Errorf("unknown cached table %q", table))
			return
		}

		var items []map[string]types.AttributeValue
		p := dyn.NewScanPaginator(s.client, &dyn.ScanInput{TableName: &name})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				yield(zero, fmt.Errorf("scan cached %s: %w", table, err))
				return
			}
			items = append(items, page.Items...)
		}

		if orderBy != "" {
			sort.SliceStable(items, func(i, j int) bool {
				c := compareAttr(items[i][orderBy], items[j][orderBy])
				if descending {
					return c > 0
				}
				return c < 0
			})
		}

		for _, item := range items {
			var e E
			if err := attributevalue.UnmarshalMap(item, &e); err != nil {
				if !yield(zero, fmt.Errorf("decode cached %s: %w", table, err)) {
					return
				}
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// compareAttr orders numbers numerically, timestamps chronologically and other
// strings lexically. Missing values sort first.
func compareAttr(a, b types.AttributeValue) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if an, ok := a.(*types.AttributeValueMemberN); ok {
		if bn, ok := b.(*types.AttributeValueMemberN); ok {
			x, _ := strconv.ParseFloat(an.Value, 64)
			y, _ := strconv.ParseFloat(bn.Value, 64)
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	as, aok := a.(*types.AttributeValueMemberS)
	bs, bok := b.(*types.AttributeValueMemberS)
	if !aok || !bok {
		return 0
	}
	at, aerr := time.Parse(time.RFC3339Nano, as.Value)
	bt, berr := time.Parse(time.RFC3339Nano, bs.Value)
	if aerr == nil && berr == nil {
		return at.Compare(bt)
	}
	return strings.Compare(as.Value, bs.Value)
}
