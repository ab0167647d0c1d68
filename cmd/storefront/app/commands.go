package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/imrishuroy/storefront-orderflow/internal/checkout"
	"github.com/imrishuroy/storefront-orderflow/internal/coordinator"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
)

func newCheckoutCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Place an order from a JSON request",
		Long: `Place an order. The request is read from --file (or stdin with "-") and has the
shape {"customer":{...},"items":[...],"shipping_fee":5,"shipping_method":"courier"}.
Online, the order goes through the server's atomic checkout; offline it is
cached and queued for the next sync.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, v)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("file")
			req, err := readRequest(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			svc := checkout.NewService(rt.store, rt.api, rt.conn, rt.cfg.Sync.CallTimeout, rt.log)
			receipt, err := svc.Checkout(ctx, req)
			var rejected *checkout.RejectedError
			if errors.As(err, &rejected) {
				return fmt.Errorf("checkout failed: %s", rejected.Reason)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"order_id": receipt.Order.OrderID,
				"path":     receipt.Path,
				"total":    receipt.Order.Total,
				"seq":      receipt.Seq,
			})
		},
	}
	cmd.Flags().StringP("file", "f", "-", "Checkout request JSON file, - for stdin")
	return cmd
}

// checkoutRequest is the JSON form of checkout.Request.
type checkoutRequest struct {
	OrderID        string            `json:"order_id"`
	Customer       orders.Customer   `json:"customer"`
	Items          []orders.LineItem `json:"items"`
	ShippingFee    float64           `json:"shipping_fee"`
	ShippingMethod string            `json:"shipping_method"`
	PaymentRef     string            `json:"payment_ref"`
	Notes          string            `json:"notes"`
}

func readRequest(stdin io.Reader, path string) (checkout.Request, error) {
	r := stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return checkout.Request{}, fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		r = f
	}
	var in checkoutRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return checkout.Request{}, fmt.Errorf("decode request: %w", err)
	}
	return checkout.Request(in), nil
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one outbox drain pass now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, v)
			if err != nil {
				return err
			}
			coord := coordinator.New(rt.store, rt.api, rt.conn,
				coordinator.WithCallTimeout(rt.cfg.Sync.CallTimeout),
				coordinator.WithLogger(rt.log),
			)
			// stale claims only; a running serve may hold fresh ones
			recovered, err := coord.Recover(ctx)
			if err != nil {
				return err
			}
			res := coord.SyncNow(ctx)
			if res.Err != nil {
				return res.Err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"recovered":   recovered,
				"skipped":     res.Skipped,
				"attempted":   res.Attempted,
				"delivered":   res.Delivered,
				"retried":     res.Retried,
				"held":        res.Held,
				"malformed":   res.Malformed,
				"interrupted": res.Interrupted,
				"duration_ms": res.Duration.Milliseconds(),
			})
		},
	}
}

func newOrdersCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List cached orders, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, v)
			if err != nil {
				return err
			}
			return printOrders(ctx, cmd.OutOrStdout(), rt.store)
		},
	}
}

func printOrders(ctx context.Context, w io.Writer, store *outbox.Store) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tSTATUS\tTOTAL\tCUSTOMER\tCREATED\tREVIEW")
	for o, err := range outbox.Cached[orders.Order](ctx, store, outbox.TableOrders, "created_at", true) {
		if err != nil {
			return err
		}
		review := ""
		if o.StockConflict {
			review = "stock"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
			o.OrderID, o.Status, o.Total, o.Customer.Name, o.CreatedAt.Format(time.RFC3339), review)
	}
	return tw.Flush()
}

func newOutboxCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Show queued mutations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, v)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			return printOutbox(ctx, cmd.OutOrStdout(), rt.store, outbox.EntryStatus(status))
		},
	}
	cmd.Flags().String("status", "", "Only list entries in this status (pending, syncing, failed); empty prints counts")
	return cmd
}

func printOutbox(ctx context.Context, w io.Writer, store *outbox.Store, status outbox.EntryStatus) error {
	if status == "" {
		counts, err := store.Counts(ctx)
		if err != nil {
			return err
		}
		return writeJSON(w, counts)
	}
	switch status {
	case outbox.StatusPending, outbox.StatusSyncing, outbox.StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	entries, err := store.ListByStatus(ctx, status)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTABLE\tACTION\tCREATED\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			e.Seq, e.Table, e.Action, e.CreatedAt.Format(time.RFC3339), e.Attempts, e.LastError)
	}
	return tw.Flush()
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status ORDER_ID STATUS",
		Short: "Move an order to a new status (Pending, Paid, Dispatched, Delivered)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := orders.ParseStatus(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, v)
			if err != nil {
				return err
			}
			svc := checkout.NewService(rt.store, rt.api, rt.conn, rt.cfg.Sync.CallTimeout, rt.log)
			path, err := svc.UpdateStatus(ctx, args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", args[0], status, path)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
