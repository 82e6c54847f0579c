package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWiresSQLite(t *testing.T) {
	cfg := &config.Config{
		DatabaseDriver:      config.DriverSQLite,
		DatabasePath:        t.TempDir() + "/app.db",
		ProviderBaseURL:     "http://127.0.0.1:1",
		ProviderTimeout:     time.Second,
		ProviderMaxAttempts: 1,
		SyncConcurrency:     2,
		CacheSize:           8,
		CacheTTL:            time.Minute,
	}

	a, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.DB.Health(context.Background()))
	assert.NotNil(t, a.Syncer)
	assert.NotNil(t, a.WebhookLog)
	assert.Equal(t, -1, a.Provider.GetRateLimitStatus().Limit)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(&config.Config{DatabaseDriver: "mysql"}, slog.Default())
	assert.Error(t, err)
}
