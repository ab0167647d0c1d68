package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
)

// DefaultPollInterval is how often the Poller reloads while online.
const DefaultPollInterval = 15 * time.Second

// Source lists the server's orders and products.
type Source interface {
	GetOrders(ctx context.Context) ([]orders.Order, error)
	GetProducts(ctx context.Context) ([]catalog.Product, error)
}

// Connectivity reports whether the API is reachable.
type Connectivity interface {
	Online() bool
}

// Poller copies server state into the local cache. Writes are last-write-wins,
// so a reload can briefly show a server status older than a queued local change.
type Poller struct {
	src      Source
	store    *outbox.Store
	conn     Connectivity
	interval time.Duration
	log      *slog.Logger
}

// NewPoller returns a Poller. A non-positive interval uses DefaultPollInterval.
func NewPoller(src Source, store *outbox.Store, conn Connectivity, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{src: src, store: store, conn: conn, interval: interval, log: logger}
}

// Run refreshes on every tick while online until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !p.conn.Online() {
				continue
			}
			if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("Cache refresh failed", "error", err)
			}
		}
	}
}

// Refresh reloads every order and product into the cache.
func (p *Poller) Refresh(ctx context.Context) error {
	list, err := p.src.GetOrders(ctx)
	if err != nil {
		return fmt.Errorf("get orders: %w", err)
	}
	if err := outbox.BulkPutCached(ctx, p.store, outbox.TableOrders, list); err != nil {
		return fmt.Errorf("cache orders: %w", err)
	}

	products, err := p.src.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("get products: %w", err)
	}
	if err := outbox.BulkPutCached(ctx, p.store, outbox.TableProducts, products); err != nil {
		return fmt.Errorf("cache products: %w", err)
	}

	p.log.Debug("Cache refreshed", "orders", len(list), "products", len(products))
	return nil
}
