package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

const (
	attrSeq       = "seq"
	attrStatus    = "status"
	attrPayload   = "payload"
	attrNextSeq   = "next_seq"
	attrLastError = "last_error"
	attrAttempts  = "attempts"
	attrClaimedAt = "claimed_at"

	// counterSeq is the queue item holding the sequence counter. It has no
	// status attribute, so the status index never returns it.
	counterSeq = 0
)

// entryRecord is the queue item minus its payload, which is encoded separately.
type entryRecord struct {
	Seq       int64       `dynamodbav:"seq"`
	Table     Table       `dynamodbav:"table_name"`
	Action    Action      `dynamodbav:"action"`
	CreatedAt time.Time   `dynamodbav:"created_at"`
	Status    EntryStatus `dynamodbav:"status"`
	Attempts  int         `dynamodbav:"attempts"`
	LastError string      `dynamodbav:"last_error,omitempty"`
	ClaimedAt string      `dynamodbav:"claimed_at,omitempty"` // RFC 3339, set by MarkSyncing
}

// Store is the Local Outbox Store.
type Store struct {
	client  aws.DynamoDBAPI
	tables  Tables
	log     *slog.Logger
	nowFunc func() time.Time
}

// NewStore returns a Store over client. A nil logger uses slog.Default().
func NewStore(client aws.DynamoDBAPI, tables Tables, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, tables: tables, log: logger, nowFunc: time.Now}
}

// Enqueue records m in the queue and applies its effect to the local cache in
// one transaction: both writes happen or neither does.
func (s *Store) Enqueue(ctx context.Context, m Mutation) (Entry, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return Entry{}, err
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Seq:       seq,
		Table:     m.Table(),
		Action:    m.Action(),
		Mutation:  m,
		CreatedAt: s.nowFunc().UTC(),
		Status:    StatusPending,
	}
	item, err := attributevalue.MarshalMap(entryRecord{
		Seq:       entry.Seq,
		Table:     entry.Table,
		Action:    entry.Action,
		CreatedAt: entry.CreatedAt,
		Status:    entry.Status,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("marshal outbox entry: %w", err)
	}
	item[attrPayload] = payload

	cacheWrite, err := s.cacheEffect(m)
	if err != nil {
		return Entry{}, err
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tables.Queue,
					Item:                item,
					ConditionExpression: awsString("attribute_not_exists(seq)"),
				},
			},
			cacheWrite,
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && len(tce.CancellationReasons) > 1 && isConditionFailure(tce.CancellationReasons[1]) {
			if _, ok := m.(UpdateOrderStatus); ok {
				return Entry{}, fmt.Errorf("enqueue %s/%s: %w", entry.Table, entry.Action, ErrNotCached)
			}
		}
		return Entry{}, fmt.Errorf("enqueue %s/%s: %w", entry.Table, entry.Action, err)
	}

	s.log.Debug("mutation enqueued", "seq", entry.Seq, "table", entry.Table, "action", entry.Action)
	return entry, nil
}

// cacheEffect is the local write that accompanies a queued mutation.
func (s *Store) cacheEffect(m Mutation) (types.TransactWriteItem, error) {
	switch m := m.(type) {
	case CreateOrder:
		item, err := attributevalue.MarshalMap(m.Order)
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("marshal cached order: %w", err)
		}
		return types.TransactWriteItem{Put: &types.Put{TableName: &s.tables.Orders, Item: item}}, nil
	case UpdateOrderStatus:
		return types.TransactWriteItem{Update: s.statusUpdate(m.OrderID, m.Status, m.UpdatedAt)}, nil
	}
	return types.TransactWriteItem{}, fmt.Errorf("%w: unsupported mutation %T", ErrMalformedEntry, m)
}

func (s *Store) statusUpdate(orderID string, status orders.Status, updatedAt time.Time) *types.Update {
	if updatedAt.IsZero() {
		updatedAt = s.nowFunc().UTC()
	}
	return &types.Update{
		TableName: &s.tables.Orders,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :s, #ua = :ua"),
		ConditionExpression:      awsString("attribute_exists(order_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#ua": "updated_at"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":  &types.AttributeValueMemberS{Value: string(status)},
			":ua": &types.AttributeValueMemberS{Value: updatedAt.UTC().Format(time.RFC3339Nano)},
		},
	}
}

// nextSeq atomically advances the queue counter. Sequences are strictly
// increasing; a failed enqueue leaves a gap.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tables.Queue,
		Key: map[string]types.AttributeValue{
			attrSeq: &types.AttributeValueMemberN{Value: strconv.Itoa(counterSeq)},
		},
		UpdateExpression:          awsString("ADD next_seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate outbox seq: %w", err)
	}
	var seq int64
	if err := attributevalue.Unmarshal(out.Attributes[attrNextSeq], &seq); err != nil {
		return 0, fmt.Errorf("decode outbox seq: %w", err)
	}
	return seq, nil
}

// ListPending returns the entries waiting for delivery, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Entry, error) {
	return s.ListByStatus(ctx, StatusPending)
}

// ListByStatus returns the entries in status ordered by (CreatedAt, Seq).
// Entries that cannot be decoded are returned with DecodeErr set.
func (s *Store) ListByStatus(ctx context.Context, status EntryStatus) ([]Entry, error) {
	var out []Entry
	p := dyn.NewQueryPaginator(s.client, &dyn.QueryInput{
		TableName:                &s.tables.Queue,
		IndexName:                awsString(StatusIndex),
		KeyConditionExpression:   awsString("#s = :s"),
		ExpressionAttributeNames: map[string]string{"#s": attrStatus},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s entries: %w", status, err)
		}
		for _, item := range page.Items {
			e, err := decodeEntry(item)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Counts returns the number of entries per status.
func (s *Store) Counts(ctx context.Context) (map[EntryStatus]int, error) {
	counts := make(map[EntryStatus]int, 3)
	for _, st := range []EntryStatus{StatusPending, StatusSyncing, StatusFailed} {
		entries, err := s.ListByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		counts[st] = len(entries)
	}
	return counts, nil
}

func decodeEntry(item map[string]types.AttributeValue) (Entry, error) {
	var rec entryRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		// without a seq the entry cannot even be marked failed
		return Entry{}, fmt.Errorf("decode outbox entry: %w", err)
	}
	e := Entry{
		Seq:       rec.Seq,
		Table:     rec.Table,
		Action:    rec.Action,
		CreatedAt: rec.CreatedAt,
		Status:    rec.Status,
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
	}
	if rec.ClaimedAt != "" {
		// an unparsable claim stays zero and counts as stale
		e.ClaimedAt, _ = time.Parse(time.RFC3339Nano, rec.ClaimedAt)
		e.claim = rec.ClaimedAt
	}
	e.Mutation, e.DecodeErr = decodePayload(rec.Table, rec.Action, item[attrPayload])
	return e, nil
}

// MarkSyncing claims a pending entry for delivery and stamps the claim time.
func (s *Store) MarkSyncing(ctx context.Context, seq int64) error {
	return s.update(ctx, seq, StatusPending, StatusSyncing,
		"SET #s = :to, "+attrClaimedAt+" = :c", "#s = :from",
		map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
		})
}

// MarkPending returns a syncing entry to the queue after a failed attempt,
// counting the attempt and recording cause.
func (s *Store) MarkPending(ctx context.Context, seq int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, seq, StatusSyncing, StatusPending, msg, true)
}

// MarkFailed parks an entry that can never be delivered.
func (s *Store) MarkFailed(ctx context.Context, seq int64, reason string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tables.Queue,
		Key:                      seqKey(seq),
		UpdateExpression:         awsString("SET #s = :to, last_error = :e"),
		ConditionExpression:      awsString("attribute_exists(seq)"),
		ExpressionAttributeNames: map[string]string{"#s": attrStatus},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to": &types.AttributeValueMemberS{Value: string(StatusFailed)},
			":e":  &types.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("mark entry %d failed: %w", seq, ErrStatusMismatch)
		}
		return fmt.Errorf("mark entry %d failed: %w", seq, err)
	}
	return nil
}

func (s *Store) transition(ctx context.Context, seq int64, from, to EntryStatus, lastError string, countAttempt bool) error {
	expr := "SET #s = :to"
	values := map[string]types.AttributeValue{}
	if lastError != "" {
		expr += ", " + attrLastError + " = :e"
		values[":e"] = &types.AttributeValueMemberS{Value: lastError}
	}
	if countAttempt {
		expr += " ADD " + attrAttempts + " :one"
		values[":one"] = &types.AttributeValueMemberN{Value: "1"}
	}

	return s.update(ctx, seq, from, to, expr, "#s = :from", values)
}

// update applies expr to entry seq when cond holds. :from and :to are bound
// to the two statuses.
func (s *Store) update(ctx context.Context, seq int64, from, to EntryStatus, expr, cond string, values map[string]types.AttributeValue) error {
	values[":from"] = &types.AttributeValueMemberS{Value: string(from)}
	values[":to"] = &types.AttributeValueMemberS{Value: string(to)}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tables.Queue,
		Key:                       seqKey(seq),
		UpdateExpression:          awsString(expr),
		ConditionExpression:       awsString(cond),
		ExpressionAttributeNames:  map[string]string{"#s": attrStatus},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("entry %d %s -> %s: %w", seq, from, to, ErrStatusMismatch)
		}
		return fmt.Errorf("entry %d %s -> %s: %w", seq, from, to, err)
	}
	return nil
}

// Remove deletes a delivered entry. Removing a missing entry is not an error.
func (s *Store) Remove(ctx context.Context, seq int64) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tables.Queue,
		Key:       seqKey(seq),
	})
	if err != nil {
		return fmt.Errorf("remove entry %d: %w", seq, err)
	}
	return nil
}

// RecoverSyncing reverts entries left in syncing by an interrupted pass and
// returns how many were reverted. Only claims older than olderThan are
// reverted; a younger claim may belong to a pass that is still delivering.
func (s *Store) RecoverSyncing(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := s.ListByStatus(ctx, StatusSyncing)
	if err != nil {
		return 0, err
	}
	cutoff := s.nowFunc().Add(-olderThan)
	n := 0
	for _, e := range stuck {
		if e.ClaimedAt.After(cutoff) {
			continue
		}
		// the claim must still be the one observed, or a pass re-claimed it meanwhile
		cond := "#s = :from AND attribute_not_exists(" + attrClaimedAt + ")"
		values := map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: "interrupted"},
		}
		if e.claim != "" {
			cond = "#s = :from AND " + attrClaimedAt + " = :c"
			values[":c"] = &types.AttributeValueMemberS{Value: e.claim}
		}
		err := s.update(ctx, e.Seq, StatusSyncing, StatusPending, "SET #s = :to, "+attrLastError+" = :e", cond, values)
		if errors.Is(err, ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.Warn("recovered interrupted outbox entries", "count", n)
	}
	return n, nil
}

func seqKey(seq int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrSeq: &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)},
	}
}

func isConditionFailure(r types.CancellationReason) bool {
	return r.Code != nil && *r.Code == "ConditionalCheckFailed"
}

func awsString(s string) *string { return &s }
