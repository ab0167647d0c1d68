package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Status is the order lifecycle state.
type Status string

// Order statuses
const (
	StatusPending    Status = "Pending"
	StatusPaid       Status = "Paid"
	StatusDispatched Status = "Dispatched"
	StatusDelivered  Status = "Delivered"
)

// ErrUnknownStatus is returned by ParseStatus for values outside the lifecycle.
var ErrUnknownStatus = errors.New("unknown order status")

// ParseStatus accepts canonical names case-insensitively, plus the legacy
// "Sent" and "In Transit" aliases which both mean Dispatched.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "paid":
		return StatusPaid, nil
	case "dispatched", "sent", "in transit", "in_transit", "in-transit":
		return StatusDispatched, nil
	case "delivered":
		return StatusDelivered, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusDispatched, StatusDelivered:
		return true
	}
	return false
}

// Canonical maps legacy aliases to their canonical status. Unknown values are returned unchanged.
func (s Status) Canonical() Status {
	if p, err := ParseStatus(string(s)); err == nil {
		return p
	}
	return s
}

// UnmarshalText normalises aliases when decoding JSON.
func (s *Status) UnmarshalText(b []byte) error {
	*s = Status(b).Canonical()
	return nil
}

// UnmarshalDynamoDBAttributeValue normalises aliases stored by older clients.
func (s *Status) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	v, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return fmt.Errorf("status: expected string attribute, got %T", av)
	}
	*s = Status(v.Value).Canonical()
	return nil
}
