package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/storefront-orderflow/internal/coordinator"
	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
	"github.com/imrishuroy/storefront-orderflow/internal/realtime"
	"github.com/imrishuroy/storefront-orderflow/internal/telemetry"
)

const (
	defaultGracefulTimeout = 10 * time.Second
	serverReadTimeout      = 5 * time.Second
	queueDepthInterval     = 30 * time.Second
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync coordinator, connectivity monitor and cache refreshers",
		Long: `Run the long-lived storefront background process:

- the connectivity monitor probing the order API
- the sync coordinator draining the outbox
- the order-event subscriber (when events.queue_url is set)
- the polling fallback refreshing cached orders and products
- a Prometheus /metrics endpoint (when metrics.address is set)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v)
		},
	}
	cmd.Flags().String("metrics-address", ":9090", "Address for the Prometheus metrics endpoint (empty disables)")
	if err := v.BindPFlag("metrics.address", cmd.Flags().Lookup("metrics-address")); err != nil {
		slog.Error("Error binding metrics-address flag", "error", err)
	}
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	rt, err := newRuntime(ctx, v)
	if err != nil {
		return err
	}
	log := rt.log

	provider, metricsHandler, err := telemetry.NewPrometheusMeterProvider("storefront")
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Warn("Metrics provider shutdown failed", "error", err)
		}
	}()
	syncMetrics, err := telemetry.NewSyncMetrics(provider)
	if err != nil {
		return fmt.Errorf("sync metrics: %w", err)
	}
	var cw *telemetry.CloudWatch
	if rt.cfg.CWNamespace != "" {
		cw = telemetry.NewCloudWatch(rt.cloud.CloudWatch, rt.cfg.CWNamespace, rt.cfg.DeviceID, log)
	}

	coord := coordinator.New(rt.store, rt.api, rt.conn,
		coordinator.WithInterval(rt.cfg.Sync.Interval),
		coordinator.WithCallTimeout(rt.cfg.Sync.CallTimeout),
		coordinator.WithRecorder(telemetry.Multi(syncMetrics, cw)),
		coordinator.WithLogger(log),
	)
	poller := realtime.NewPoller(rt.api, rt.store, rt.conn, rt.cfg.Sync.OrderPollInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.conn.Run(gctx) })
	g.Go(func() error { return coord.Start(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		reportQueueDepth(gctx, rt.store, syncMetrics)
		return nil
	})

	if rt.cfg.EventsQueueURL != "" {
		sub := realtime.NewSubscriber(rt.cloud.SQS, rt.cfg.EventsQueueURL, rt.store, log)
		g.Go(func() error { return sub.Run(gctx) })
	} else {
		log.Info("No events queue configured, relying on polling")
	}

	if addr := rt.cfg.MetricsAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: serverReadTimeout}
		g.Go(func() error {
			log.Info("Metrics listening", "address", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	log.Info("Storefront running", "api_url", rt.cfg.APIURL, "offline", rt.cfg.Offline, "online", rt.conn.Online())
	err = g.Wait()
	log.Info("Storefront shutdown complete")
	return err
}

// reportQueueDepth publishes the outbox size per status until ctx is done.
func reportQueueDepth(ctx context.Context, store *outbox.Store, m *telemetry.SyncMetrics) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		if counts, err := store.Counts(ctx); err == nil {
			for status, n := range counts {
				m.RecordQueueDepth(ctx, string(status), n)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
