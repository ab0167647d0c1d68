// Package app provides the commands of the storefront CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/config"
	"github.com/imrishuroy/storefront-orderflow/internal/connectivity"
	"github.com/imrishuroy/storefront-orderflow/internal/logging"
	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
	"github.com/imrishuroy/storefront-orderflow/internal/remote"
)

// NewRootCmd creates the storefront command tree. Flags are bound into a
// viper instance shared by every subcommand.
func NewRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:               "storefront",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Medical-apparel storefront client with offline checkout",
		Long: `storefront places orders against the order API when it is reachable and
queues them in a device-local outbox when it is not. The serve command keeps
the outbox draining and the local cache fresh.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.ReadFile(v, v.GetString("config"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a configuration file (YAML, JSON or TOML)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("offline", false, "Never contact the order API; queue everything")
	flags.String("api-url", "http://localhost:8080", "Base URL of the order API")
	flags.String("store-endpoint", "http://localhost:8000", "Endpoint of the device-local DynamoDB")
	for key, name := range map[string]string{
		"config":         "config",
		"log_level":      "log-level",
		"offline":        "offline",
		"api.url":        "api-url",
		"store.endpoint": "store-endpoint",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}

	root.AddCommand(
		newServeCmd(v),
		newCheckoutCmd(v),
		newSyncCmd(v),
		newOrdersCmd(v),
		newOutboxCmd(v),
		newStatusCmd(v),
	)
	return root
}

// runtime is what every command needs: settings, the local store and the
// way to reach the API.
type runtime struct {
	cfg   config.Storefront
	log   *slog.Logger
	store *outbox.Store
	api   *remote.Client
	conn  *connectivity.Monitor
	cloud *aws.AWSClients
}

func newRuntime(ctx context.Context, v *viper.Viper) (*runtime, error) {
	cfg, err := config.LoadStorefront(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	local, err := aws.NewAWSClients(ctx, cfg.AWS.Region, cfg.StoreEndpoint)
	if err != nil {
		return nil, fmt.Errorf("local store client: %w", err)
	}
	cloud, err := aws.NewAWSClients(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("aws clients: %w", err)
	}

	store := outbox.NewStore(local.DynamoDB, cfg.Tables, logger)
	if err := store.EnsureTables(ctx); err != nil {
		return nil, fmt.Errorf("prepare local store: %w", err)
	}

	api := remote.New(cfg.APIURL, cfg.APITimeout)
	var prober connectivity.Prober
	if !cfg.Offline {
		prober = api
	}
	conn := connectivity.New(prober, cfg.ProbeInterval, logger)
	conn.Probe(ctx)

	return &runtime{cfg: cfg, log: logger, store: store, api: api, conn: conn, cloud: cloud}, nil
}
