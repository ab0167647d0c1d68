// Package events defines the order change notifications the API publishes to
// SQS and storefront clients consume to keep their cache fresh.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// Kind is the change type carried by an OrderEvent.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
)

// ErrInvalidEvent is returned by Decode for bodies that are not order events.
var ErrInvalidEvent = errors.New("invalid order event")

// OrderEvent is the message body published on every committed order change.
type OrderEvent struct {
	Kind       Kind         `json:"type"`
	Order      orders.Order `json:"order"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// New builds an event for o stamped with the current time.
func New(kind Kind, o orders.Order) OrderEvent {
	return OrderEvent{Kind: kind, Order: o, OccurredAt: time.Now().UTC()}
}

// Attributes returns the SQS message attributes for the event.
func (e OrderEvent) Attributes() map[string]string {
	return map[string]string{
		"event_type": string(e.Kind),
		"order_id":   e.Order.OrderID,
	}
}

// Encode renders the event as a JSON message body.
func Encode(e OrderEvent) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}
	return string(b), nil
}

// Decode parses a message body, rejecting unknown kinds and events without an order id.
func Decode(body string) (OrderEvent, error) {
	var e OrderEvent
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return OrderEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch e.Kind {
	case KindInsert, KindUpdate:
	default:
		return OrderEvent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Kind)
	}
	if e.Order.OrderID == "" {
		return OrderEvent{}, fmt.Errorf("%w: missing order_id", ErrInvalidEvent)
	}
	return e, nil
}
