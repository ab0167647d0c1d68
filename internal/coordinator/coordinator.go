// Package coordinator drains the local outbox into the order API.
//
// A Coordinator runs one drain pass at a time. Passes are triggered at start,
// on a fixed interval, whenever connectivity is restored and on demand. Each
// pass walks the pending entries in FIFO order and, per entry, claims it
// (pending -> syncing), delivers it with a bounded call, then removes it on
// success or returns it to pending on any failure. Entries that cannot be
// decoded are parked as failed so they never block the queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
	"github.com/imrishuroy/storefront-orderflow/internal/remote"
	"github.com/imrishuroy/storefront-orderflow/internal/telemetry"
)

const (
	// DefaultInterval is the delay between periodic drain passes.
	DefaultInterval = 60 * time.Second
	// DefaultCallTimeout bounds one remote delivery.
	DefaultCallTimeout = 15 * time.Second
)

// Store is the part of the outbox the coordinator drives.
type Store interface {
	ListPending(ctx context.Context) ([]outbox.Entry, error)
	MarkSyncing(ctx context.Context, seq int64) error
	MarkPending(ctx context.Context, seq int64, cause error) error
	MarkFailed(ctx context.Context, seq int64, reason string) error
	Remove(ctx context.Context, seq int64) error
	RecoverSyncing(ctx context.Context, olderThan time.Duration) (int, error)
}

// OrderAPI delivers queued mutations.
type OrderAPI interface {
	CreateOrder(ctx context.Context, o orders.Order) (remote.Placement, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) (orders.Order, error)
}

// Connectivity is the online signal.
type Connectivity interface {
	Online() bool
	Restored() <-chan struct{}
}

// Coordinator schedules and runs drain passes.
type Coordinator struct {
	store       Store
	api         OrderAPI
	conn        Connectivity
	interval    time.Duration
	callTimeout time.Duration
	recorder    telemetry.Recorder
	log         *slog.Logger

	draining atomic.Bool
	trigger  chan struct{}

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithInterval sets the periodic drain interval
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCallTimeout bounds each remote delivery
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithRecorder sets where pass results are reported
func WithRecorder(r telemetry.Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a coordinator. It does nothing until Start, Trigger or SyncNow.
func New(store Store, api OrderAPI, conn Connectivity, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		api:         api,
		conn:        conn,
		interval:    DefaultInterval,
		callTimeout: DefaultCallTimeout,
		log:         slog.Default(),
		trigger:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start recovers entries stranded by a previous run, drains once and then
// keeps draining on every trigger. Blocks until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		close(c.done)
		c.log.Info("Sync coordinator stopped")
	}()

	c.log.Info("Starting sync coordinator", "interval", c.interval, "call_timeout", c.callTimeout)

	if _, err := c.Recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.SyncNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.SyncNow(ctx)
		case <-c.conn.Restored():
			c.log.Debug("Draining after connectivity restored")
			c.SyncNow(ctx)
		case <-c.trigger:
			c.SyncNow(ctx)
		}
	}
}

// Recover returns entries stranded in syncing by a crashed or killed pass to
// the queue. A claim younger than twice the call timeout may still be in
// flight in another process sharing the store, so it is left alone.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	n, err := c.store.RecoverSyncing(ctx, 2*c.callTimeout)
	if err != nil {
		return n, fmt.Errorf("recover interrupted entries: %w", err)
	}
	return n, nil
}

// Stop cancels the loop and waits for it to exit. An in-flight delivery is
// abandoned and its entry returned to pending.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-c.done
	return nil
}

// Trigger asks the running loop for a pass without waiting for it.
// Triggers arriving while one is queued are coalesced.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}
