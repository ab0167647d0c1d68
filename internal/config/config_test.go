package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStorefront_Defaults(t *testing.T) {
	cfg, err := LoadStorefront(New())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.StoreEndpoint)
	assert.Equal(t, "syncQueue", cfg.Tables.Queue)
	assert.Equal(t, 60*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 15*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sync.OrderPollInterval)
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval)
	assert.False(t, cfg.Offline)
}

func TestLoadStorefront_EnvOverrides(t *testing.T) {
	t.Setenv("STOREFRONT_SYNC_INTERVAL", "5s")
	t.Setenv("STOREFRONT_API_URL", "https://orders.example.com")
	t.Setenv("STOREFRONT_OFFLINE", "true")

	cfg, err := LoadStorefront(New())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "https://orders.example.com", cfg.APIURL)
	assert.True(t, cfg.Offline)
}

func TestLoadStorefront_FileAndValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storefront.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  url: "not a url"
sync:
  call_timeout: 0s
store:
  tables:
    queue: outbox
`), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))
	cfg, err := LoadStorefront(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.url")
	assert.Contains(t, err.Error(), "sync.call_timeout")
	assert.Equal(t, "outbox", cfg.Tables.Queue)

	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestLoadAPI_LegacyVariables(t *testing.T) {
	t.Setenv("ORDERS_TABLE", "prod-orders")
	t.Setenv("ORDERS_QUEUE_URL", "https://sqs.local/events")
	t.Setenv("RUN_LOCAL", "true")

	cfg, err := LoadAPI(New())
	require.NoError(t, err)
	assert.Equal(t, "prod-orders", cfg.OrdersTable)
	assert.Equal(t, "idempotency", cfg.IdempotencyTable)
	assert.Equal(t, "https://sqs.local/events", cfg.QueueURL)
	assert.True(t, cfg.RunLocal)
	assert.Equal(t, 48*time.Hour, cfg.TTLWindow)
}

func TestLoadAPI_RejectsBadTTL(t *testing.T) {
	t.Setenv("STOREFRONT_TTL_WINDOW", "-1h")
	_, err := LoadAPI(New())
	require.Error(t, err)
}
