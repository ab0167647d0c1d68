package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
	"github.com/imrishuroy/storefront-orderflow/internal/telemetry"
)

// SkipReason says why a pass did not run.
type SkipReason string

const (
	SkipInProgress SkipReason = "in_progress"
	SkipOffline    SkipReason = "offline"
)

// Result describes one drain pass.
type Result struct {
	Skipped     SkipReason
	Attempted   int
	Delivered   int
	Retried     int
	Held        int // not attempted: an earlier entry for the same record failed this pass
	Malformed   int
	Interrupted bool // stopped early: connectivity lost or cancelled
	Duration    time.Duration
	Err         error // the pending entries could not be listed
}

// SyncNow runs a drain pass on the calling goroutine. If a pass is already
// running, or the device is offline, it returns immediately with Skipped set.
func (c *Coordinator) SyncNow(ctx context.Context) Result {
	if !c.draining.CompareAndSwap(false, true) {
		return c.report(ctx, Result{Skipped: SkipInProgress})
	}
	defer c.draining.Store(false)

	if !c.conn.Online() {
		return c.report(ctx, Result{Skipped: SkipOffline})
	}

	start := time.Now()
	res := c.drain(ctx)
	res.Duration = time.Since(start)
	return c.report(ctx, res)
}

func (c *Coordinator) drain(ctx context.Context) Result {
	var res Result
	entries, err := c.store.ListPending(ctx)
	if err != nil {
		res.Err = fmt.Errorf("list pending entries: %w", err)
		return res
	}

	// records with an undelivered entry this pass; later entries for them wait
	// so a record never sees its mutations out of order
	blocked := make(map[outbox.Table]map[string]bool)
	isBlocked := func(e outbox.Entry) bool {
		return blocked[e.Table][e.Mutation.RecordID()]
	}
	block := func(e outbox.Entry) {
		if blocked[e.Table] == nil {
			blocked[e.Table] = make(map[string]bool)
		}
		blocked[e.Table][e.Mutation.RecordID()] = true
	}

	for _, e := range entries {
		if ctx.Err() != nil || !c.conn.Online() {
			res.Interrupted = true
			break
		}
		if e.DecodeErr != nil {
			c.fail(ctx, e, e.DecodeErr)
			res.Malformed++
			continue
		}
		if isBlocked(e) {
			c.log.Debug("Holding outbox entry behind failed one", "seq", e.Seq, "record_id", e.Mutation.RecordID())
			res.Held++
			continue
		}

		if err := c.store.MarkSyncing(ctx, e.Seq); err != nil {
			c.log.Warn("Skipping outbox entry", "seq", e.Seq, "error", err)
			block(e)
			continue
		}
		res.Attempted++

		err := c.deliver(ctx, e.Mutation)
		if errors.Is(err, outbox.ErrMalformedEntry) {
			c.fail(ctx, e, err)
			res.Malformed++
			continue
		}
		if err == nil {
			if err = c.store.Remove(context.WithoutCancel(ctx), e.Seq); err != nil {
				// the redelivery is absorbed by the idempotent create endpoint
				err = fmt.Errorf("remove delivered entry: %w", err)
			}
		}
		if err != nil {
			c.revert(ctx, e, err)
			block(e)
			res.Retried++
			continue
		}
		res.Delivered++
		c.log.Debug("Outbox entry delivered", "seq", e.Seq, "table", e.Table, "action", e.Action)
	}
	if ctx.Err() != nil {
		res.Interrupted = true
	}
	return res
}

// deliver dispatches one mutation under the per-call timeout.
func (c *Coordinator) deliver(ctx context.Context, m outbox.Mutation) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	switch m := m.(type) {
	case outbox.CreateOrder:
		p, err := c.api.CreateOrder(ctx, m.Order)
		if err != nil {
			return fmt.Errorf("create order %s: %w", m.Order.OrderID, err)
		}
		if !p.Success {
			return fmt.Errorf("create order %s rejected: %s", m.Order.OrderID, p.Error)
		}
		if p.StockConflict {
			c.log.Warn("Queued order accepted without stock, flagged for review", "order_id", m.Order.OrderID)
		}
		return nil
	case outbox.UpdateOrderStatus:
		if _, err := c.api.UpdateOrderStatus(ctx, m.OrderID, m.Status); err != nil {
			return fmt.Errorf("update order %s status: %w", m.OrderID, err)
		}
		return nil
	}
	return fmt.Errorf("%w: no delivery for %T", outbox.ErrMalformedEntry, m)
}

// revert returns a claimed entry to pending. It runs detached from ctx so a
// cancelled pass never leaves the entry syncing.
func (c *Coordinator) revert(ctx context.Context, e outbox.Entry, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
	defer cancel()
	c.log.Warn("Outbox delivery failed, will retry", "seq", e.Seq, "attempts", e.Attempts+1, "error", cause)
	if err := c.store.MarkPending(ctx, e.Seq, cause); err != nil {
		c.log.Error("Could not return outbox entry to pending", "seq", e.Seq, "error", err)
	}
}

func (c *Coordinator) fail(ctx context.Context, e outbox.Entry, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
	defer cancel()
	c.log.Error("Parking malformed outbox entry", "seq", e.Seq, "table", e.Table, "action", e.Action, "error", cause)
	if err := c.store.MarkFailed(ctx, e.Seq, cause.Error()); err != nil {
		c.log.Error("Could not mark outbox entry failed", "seq", e.Seq, "error", err)
	}
}

func (c *Coordinator) report(ctx context.Context, res Result) Result {
	switch {
	case res.Skipped != "":
		c.log.Debug("Drain pass skipped", "reason", res.Skipped)
	case res.Err != nil:
		c.log.Error("Drain pass failed", "error", res.Err)
	case res.Attempted+res.Held+res.Malformed > 0 || res.Interrupted:
		c.log.Info("Drain pass finished",
			"attempted", res.Attempted,
			"delivered", res.Delivered,
			"retried", res.Retried,
			"held", res.Held,
			"malformed", res.Malformed,
			"interrupted", res.Interrupted,
			"duration", res.Duration)
	}
	if c.recorder != nil {
		c.recorder.RecordDrain(context.WithoutCancel(ctx), telemetry.DrainStats{
			Skipped:     string(res.Skipped),
			Attempted:   res.Attempted,
			Delivered:   res.Delivered,
			Retried:     res.Retried,
			Malformed:   res.Malformed,
			Interrupted: res.Interrupted,
			Duration:    res.Duration,
		})
	}
	return res
}
