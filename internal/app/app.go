// Package app assembles the components shared by the server and the CLI.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"activity-sync/internal/badges"
	"activity-sync/internal/cache"
	"activity-sync/internal/config"
	"activity-sync/internal/database"
	"activity-sync/internal/progress"
	"activity-sync/internal/provider"
	"activity-sync/internal/registry"
	"activity-sync/internal/retry"
	"activity-sync/internal/syncer"
	"activity-sync/internal/webhooklog"
)

// App holds the wired components
type App struct {
	Config     *config.Config
	DB         *database.DB
	Registry   *registry.Registry
	Provider   *provider.Client
	Badges     *badges.Ledger
	Progress   *progress.Calculator
	Syncer     *syncer.Synchronizer
	WebhookLog *webhooklog.Recorder
}

// New opens the database and builds every component on top of it
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	client := provider.NewClient(provider.Options{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		DevID:   cfg.ProviderDevID,
		Timeout: cfg.ProviderTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.ProviderMaxAttempts,
			BaseDelay:   cfg.ProviderRetryBase,
		},
		Cache:  cache.New[string, []byte](cfg.CacheSize, cfg.CacheTTL),
		Logger: logger.With("component", "provider"),
	})

	subjects := cache.New[int64, syncer.Subject](cfg.CacheSize, cfg.CacheTTL)
	reg := registry.New(db, db, logger.With("component", "registry"))
	reg.OnChange(subjects.Invalidate)
	ledger := badges.New(db, logger.With("component", "badges"))
	calc := progress.New(db, ledger, logger.With("component", "progress"))
	s := syncer.New(db, reg, client, calc, syncer.Options{
		Concurrency: cfg.SyncConcurrency,
		Subjects:    subjects,
		Logger:      logger.With("component", "syncer"),
	})

	return &App{
		Config:     cfg,
		DB:         db,
		Registry:   reg,
		Provider:   client,
		Badges:     ledger,
		Progress:   calc,
		Syncer:     s,
		WebhookLog: webhooklog.New(db, logger.With("component", "webhooklog")),
	}, nil
}

// Close releases the database
func (a *App) Close() error {
	return a.DB.Close()
}

// ParseLevel maps LOG_LEVEL to a slog level; unknown values mean info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewJSONLogger is the server logger
func NewJSONLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
}
