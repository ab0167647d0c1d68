// Package config loads settings for the storefront and the order API from
// defaults, an optional config file and STOREFRONT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores (sync.interval -> STOREFRONT_SYNC_INTERVAL).
const EnvPrefix = "STOREFRONT"

// AWS selects the region and an optional endpoint override.
type AWS struct {
	Region   string
	Endpoint string
}

// Sync tunes the coordinator and the cache poller.
type Sync struct {
	Interval          time.Duration
	CallTimeout       time.Duration
	OrderPollInterval time.Duration
}

// Storefront is the client process configuration.
type Storefront struct {
	AWS            AWS
	StoreEndpoint  string // DynamoDB Local
	Tables         outbox.Tables
	APIURL         string
	APITimeout     time.Duration
	EventsQueueURL string
	Offline        bool
	ProbeInterval  time.Duration
	Sync           Sync
	MetricsAddress string
	CWNamespace    string
	DeviceID       string
	LogLevel       string
}

// API is the order API configuration.
type API struct {
	AWS              AWS
	Address          string
	RunLocal         bool
	OrdersTable      string
	IdempotencyTable string
	ProductsTable    string
	QueueURL         string
	TTLWindow        time.Duration
	SeedFile         string
	LogLevel         string
}

// New returns a viper instance reading STOREFRONT_ variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetStorefrontDefaults registers a default for every storefront key.
func SetStorefrontDefaults(v *viper.Viper) {
	tables := outbox.DefaultTables()
	host, _ := os.Hostname()

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("store.endpoint", "http://localhost:8000")
	v.SetDefault("store.tables.products", tables.Products)
	v.SetDefault("store.tables.orders", tables.Orders)
	v.SetDefault("store.tables.queue", tables.Queue)
	v.SetDefault("api.url", "http://localhost:8080")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("events.queue_url", "")
	v.SetDefault("offline", false)
	v.SetDefault("connectivity.probe_interval", 10*time.Second)
	v.SetDefault("sync.interval", 60*time.Second)
	v.SetDefault("sync.call_timeout", 15*time.Second)
	v.SetDefault("sync.order_poll_interval", 15*time.Second)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.cloudwatch_namespace", "")
	v.SetDefault("device_id", host)
	v.SetDefault("log_level", "info")
}

// SetAPIDefaults registers a default for every order API key. The table and
// queue keys also honour the unprefixed variables used by the deployment
// templates (ORDERS_TABLE, IDEMPOTENCY_TABLE, ORDERS_QUEUE_URL, RUN_LOCAL).
func SetAPIDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("address", ":8080")
	v.SetDefault("run_local", false)
	v.SetDefault("tables.orders", "orders")
	v.SetDefault("tables.idempotency", "idempotency")
	v.SetDefault("tables.products", "products")
	v.SetDefault("queue_url", "")
	v.SetDefault("ttl_window", 48*time.Hour)
	v.SetDefault("seed_file", "")
	v.SetDefault("log_level", "info")

	_ = v.BindEnv("tables.orders", EnvPrefix+"_TABLES_ORDERS", "ORDERS_TABLE")
	_ = v.BindEnv("tables.idempotency", EnvPrefix+"_TABLES_IDEMPOTENCY", "IDEMPOTENCY_TABLE")
	_ = v.BindEnv("tables.products", EnvPrefix+"_TABLES_PRODUCTS", "PRODUCTS_TABLE")
	_ = v.BindEnv("queue_url", EnvPrefix+"_QUEUE_URL", "ORDERS_QUEUE_URL")
	_ = v.BindEnv("run_local", EnvPrefix+"_RUN_LOCAL", "RUN_LOCAL")
}

// ReadFile merges the config file at path, if any, into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// LoadStorefront resolves and validates the storefront settings.
func LoadStorefront(v *viper.Viper) (Storefront, error) {
	SetStorefrontDefaults(v)
	cfg := Storefront{
		AWS:           AWS{Region: v.GetString("aws.region"), Endpoint: v.GetString("aws.endpoint")},
		StoreEndpoint: v.GetString("store.endpoint"),
		Tables: outbox.Tables{
			Products: v.GetString("store.tables.products"),
			Orders:   v.GetString("store.tables.orders"),
			Queue:    v.GetString("store.tables.queue"),
		},
		APIURL:         v.GetString("api.url"),
		APITimeout:     v.GetDuration("api.timeout"),
		EventsQueueURL: v.GetString("events.queue_url"),
		Offline:        v.GetBool("offline"),
		ProbeInterval:  v.GetDuration("connectivity.probe_interval"),
		Sync: Sync{
			Interval:          v.GetDuration("sync.interval"),
			CallTimeout:       v.GetDuration("sync.call_timeout"),
			OrderPollInterval: v.GetDuration("sync.order_poll_interval"),
		},
		MetricsAddress: v.GetString("metrics.address"),
		CWNamespace:    v.GetString("metrics.cloudwatch_namespace"),
		DeviceID:       v.GetString("device_id"),
		LogLevel:       v.GetString("log_level"),
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that have no safe fallback.
func (c Storefront) Validate() error {
	var errs []error
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.url %q is not an absolute URL", c.APIURL))
	}
	if c.Tables.Products == "" || c.Tables.Orders == "" || c.Tables.Queue == "" {
		errs = append(errs, errors.New("store.tables.* must all be set"))
	}
	for key, d := range map[string]time.Duration{
		"api.timeout":                 c.APITimeout,
		"connectivity.probe_interval": c.ProbeInterval,
		"sync.interval":               c.Sync.Interval,
		"sync.call_timeout":           c.Sync.CallTimeout,
		"sync.order_poll_interval":    c.Sync.OrderPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	return errors.Join(errs...)
}

// LoadAPI resolves and validates the order API settings.
func LoadAPI(v *viper.Viper) (API, error) {
	SetAPIDefaults(v)
	cfg := API{
		AWS:              AWS{Region: v.GetString("aws.region"), Endpoint: v.GetString("aws.endpoint")},
		Address:          v.GetString("address"),
		RunLocal:         v.GetBool("run_local"),
		OrdersTable:      v.GetString("tables.orders"),
		IdempotencyTable: v.GetString("tables.idempotency"),
		ProductsTable:    v.GetString("tables.products"),
		QueueURL:         v.GetString("queue_url"),
		TTLWindow:        v.GetDuration("ttl_window"),
		SeedFile:         v.GetString("seed_file"),
		LogLevel:         v.GetString("log_level"),
	}
	if cfg.OrdersTable == "" || cfg.IdempotencyTable == "" || cfg.ProductsTable == "" {
		return cfg, errors.New("tables.orders, tables.idempotency and tables.products must be set")
	}
	if cfg.TTLWindow <= 0 {
		return cfg, fmt.Errorf("ttl_window must be positive, got %s", cfg.TTLWindow)
	}
	return cfg, nil
}
