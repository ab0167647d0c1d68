// Package outbox is the device-local store behind offline checkout: a cache of
// products and orders plus a FIFO queue of mutations waiting for the remote API.
// It runs against a DynamoDB endpoint on the device (DynamoDB Local).
package outbox

import (
	"errors"
	"time"
)

// Table names a cached collection and is recorded on every queued mutation.
type Table string

const (
	TableOrders   Table = "orders"
	TableProducts Table = "products"
)

// Action is the remote operation a queued mutation replays.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	// ActionDelete is reserved; nothing enqueues it yet.
	ActionDelete Action = "DELETE"
)

// EntryStatus is the delivery state of a queued mutation.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSyncing EntryStatus = "syncing"
	// StatusFailed is terminal: the entry could not be decoded and is kept for inspection.
	StatusFailed EntryStatus = "failed"
)

var (
	// ErrStatusMismatch means the entry was not in the expected state, usually
	// because another drain pass claimed it.
	ErrStatusMismatch = errors.New("outbox entry status mismatch")
	// ErrNotCached is returned when a mutation or lookup needs an order the cache does not hold.
	ErrNotCached = errors.New("order not in local cache")
	// ErrMalformedEntry marks a queued entry whose table/action pair or payload is not understood.
	ErrMalformedEntry = errors.New("malformed outbox entry")
)

// Entry is one queued mutation. Mutation is nil when DecodeErr is set.
type Entry struct {
	Seq       int64
	Table     Table
	Action    Action
	Mutation  Mutation
	CreatedAt time.Time
	Status    EntryStatus
	Attempts  int
	LastError string
	ClaimedAt time.Time // zero unless the entry was claimed for delivery
	DecodeErr error

	claim string // stored claimed_at, matched when recovering
}

// Tables names the three DynamoDB tables used by the store.
type Tables struct {
	Products string
	Orders   string
	Queue    string
}

// DefaultTables returns the table names used when none are configured.
func DefaultTables() Tables {
	return Tables{Products: "products", Orders: "orders", Queue: "syncQueue"}
}

func (t Tables) name(table Table) (string, bool) {
	switch table {
	case TableOrders:
		return t.Orders, true
	case TableProducts:
		return t.Products, true
	}
	return "", false
}

func hashKey(table Table) string {
	if table == TableProducts {
		return "product_id"
	}
	return "order_id"
}
