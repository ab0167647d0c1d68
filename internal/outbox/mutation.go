package outbox

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// Mutation is a change to replay against the remote API. The set of
// implementations is closed: CreateOrder and UpdateOrderStatus.
type Mutation interface {
	Table() Table
	Action() Action
	// RecordID is the key of the cached record the mutation changes.
	RecordID() string
	isMutation()
}

// CreateOrder places an order that was checked out while offline.
type CreateOrder struct {
	Order orders.Order
}

func (CreateOrder) Table() Table       { return TableOrders }
func (CreateOrder) Action() Action     { return ActionCreate }
func (m CreateOrder) RecordID() string { return m.Order.OrderID }
func (CreateOrder) isMutation()        {}

// UpdateOrderStatus moves an order to a new lifecycle status.
type UpdateOrderStatus struct {
	OrderID   string        `dynamodbav:"order_id"`
	Status    orders.Status `dynamodbav:"status"`
	UpdatedAt time.Time     `dynamodbav:"updated_at"`
}

func (UpdateOrderStatus) Table() Table       { return TableOrders }
func (UpdateOrderStatus) Action() Action     { return ActionUpdate }
func (m UpdateOrderStatus) RecordID() string { return m.OrderID }
func (UpdateOrderStatus) isMutation()        {}

func encodePayload(m Mutation) (types.AttributeValue, error) {
	var v any
	switch m := m.(type) {
	case CreateOrder:
		if m.Order.OrderID == "" {
			return nil, fmt.Errorf("%w: create without order_id", ErrMalformedEntry)
		}
		v = m.Order
	case UpdateOrderStatus:
		if m.OrderID == "" || !m.Status.Valid() {
			return nil, fmt.Errorf("%w: status update %q -> %q", ErrMalformedEntry, m.OrderID, m.Status)
		}
		v = m
	default:
		return nil, fmt.Errorf("%w: unsupported mutation %T", ErrMalformedEntry, m)
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return av, nil
}

func decodePayload(table Table, action Action, payload types.AttributeValue) (Mutation, error) {
	if _, ok := payload.(*types.AttributeValueMemberM); !ok {
		return nil, fmt.Errorf("%w: payload is %T", ErrMalformedEntry, payload)
	}
	switch {
	case table == TableOrders && action == ActionCreate:
		var o orders.Order
		if err := attributevalue.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
		}
		if o.OrderID == "" || len(o.Items) == 0 {
			return nil, fmt.Errorf("%w: incomplete order", ErrMalformedEntry)
		}
		return CreateOrder{Order: o}, nil
	case table == TableOrders && action == ActionUpdate:
		var u UpdateOrderStatus
		if err := attributevalue.Unmarshal(payload, &u); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
		}
		if u.OrderID == "" || !u.Status.Valid() {
			return nil, fmt.Errorf("%w: status update %q -> %q", ErrMalformedEntry, u.OrderID, u.Status)
		}
		return u, nil
	}
	return nil, fmt.Errorf("%w: unsupported %s/%s", ErrMalformedEntry, table, action)
}
