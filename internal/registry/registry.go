// Package registry resolves and maintains the link between internal users and
// their provider accounts.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"activity-sync/internal/common"
	"activity-sync/internal/database"
)

// Source is one place connections can be read from
type Source interface {
	Name() string
	ByUser(ctx context.Context, userID int64) (*database.Connection, error)
	BySubject(ctx context.Context, subject string) (*database.Connection, error)
}

// Store is the writable primary connection table
type Store interface {
	GetConnection(ctx context.Context, userID int64) (*database.Connection, error)
	GetConnectionBySubject(ctx context.Context, subject string) (*database.Connection, error)
	MutateConnection(ctx context.Context, userID int64, fn func(existing *database.Connection) (*database.Connection, error)) (*database.Connection, error)
	TouchConnectionSync(ctx context.Context, userID int64, at time.Time) (bool, error)
}

// LegacyStore is the read-only table left by the previous integration
type LegacyStore interface {
	GetLegacyConnection(ctx context.Context, userID int64) (*database.Connection, error)
	GetLegacyConnectionBySubject(ctx context.Context, subject string) (*database.Connection, error)
}

// Registry is the connection registry. Reads walk the sources in order and the
// first one that knows the user wins; writes always go to the primary store.
type Registry struct {
	store     Store
	sources   []Source
	listeners []func(userID int64)
	logger    *slog.Logger
}

// New creates a registry over the primary store, falling back to legacy when it is non-nil
func New(store Store, legacy LegacyStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{store: store, logger: logger}
	r.sources = append(r.sources, primarySource{store})
	if legacy != nil {
		r.sources = append(r.sources, legacySource{legacy})
	}
	return r
}

// OnChange registers fn to run after every write to a user's connection. It
// must be called before the registry is shared.
func (r *Registry) OnChange(fn func(userID int64)) {
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) changed(userID int64) {
	for _, fn := range r.listeners {
		fn(userID)
	}
}

// GetActiveConnection returns the user's usable connection. Inactive connections
// are reported as not found; partial ones are returned and callers check
// AuthorizedSources.
func (r *Registry) GetActiveConnection(ctx context.Context, userID int64) (*database.Connection, error) {
	for _, src := range r.sources {
		c, err := src.ByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s connection: %w", src.Name(), err)
		}
		if c == nil {
			continue
		}
		if c.Status == database.StatusInactive {
			return nil, common.NotFound("active connection for user", userID)
		}
		return c, nil
	}
	return nil, common.NotFound("connection for user", userID)
}

// GetConnectionBySubject is the reverse lookup used by webhook ingestion.
// Inactive connections are returned so that deauthorization events still resolve.
func (r *Registry) GetConnectionBySubject(ctx context.Context, subject string) (*database.Connection, error) {
	for _, src := range r.sources {
		c, err := src.BySubject(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s connection: %w", src.Name(), err)
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, common.NotFound("connection for subject", subject)
}

// UpsertConnection records a fresh authorization of source for the user. It is
// the only operation that can raise a connection's status.
func (r *Registry) UpsertConnection(ctx context.Context, userID int64, source, subject string) (*database.Connection, error) {
	if source == "" {
		return nil, common.Invalid("provider", "must not be empty")
	}
	if subject == "" {
		return nil, common.Invalid("external_subject_id", "must not be empty")
	}

	c, err := r.store.MutateConnection(ctx, userID, func(existing *database.Connection) (*database.Connection, error) {
		next := &database.Connection{
			Provider:          source,
			ExternalSubjectID: subject,
			AuthorizedSources: map[string]bool{},
		}
		if existing != nil {
			next.AuthorizedSources = existing.AuthorizedSources
			next.LastSyncAt = existing.LastSyncAt
		}
		next.AuthorizedSources[source] = true
		next.Status = DeriveStatus(next.AuthorizedSources)
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	r.changed(userID)

	r.logger.Info("Connection authorized", "user_id", userID, "provider", source, "status", c.Status)
	return c, nil
}

// RevokeSource marks one source as no longer authorized. The resulting status
// is never better than the current one.
func (r *Registry) RevokeSource(ctx context.Context, userID int64, source string) (*database.Connection, error) {
	if source == "" {
		return nil, common.Invalid("provider", "must not be empty")
	}

	c, err := r.store.MutateConnection(ctx, userID, func(existing *database.Connection) (*database.Connection, error) {
		if existing == nil {
			return nil, common.NotFound("connection for user", userID)
		}
		if existing.AuthorizedSources == nil {
			existing.AuthorizedSources = map[string]bool{}
		}
		existing.AuthorizedSources[source] = false
		existing.Status = existing.Status.Worse(DeriveStatus(existing.AuthorizedSources))
		return existing, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to revoke %s: %w", source, err)
	}
	r.changed(userID)

	r.logger.Warn("Connection source revoked", "user_id", userID, "provider", source, "status", c.Status)
	return c, nil
}

// TouchSync stamps the time of the last successful day sync. Legacy-only users are skipped.
func (r *Registry) TouchSync(ctx context.Context, userID int64, at time.Time) error {
	if _, err := r.store.TouchConnectionSync(ctx, userID, at); err != nil {
		return fmt.Errorf("failed to touch sync time: %w", err)
	}
	return nil
}

// DeriveStatus maps a source map to a status: every source authorized is active,
// some is partial, none (or an empty map) is inactive.
func DeriveStatus(sources map[string]bool) database.ConnectionStatus {
	authorized := 0
	for _, ok := range sources {
		if ok {
			authorized++
		}
	}
	switch {
	case authorized == 0:
		return database.StatusInactive
	case authorized == len(sources):
		return database.StatusActive
	default:
		return database.StatusPartial
	}
}

type primarySource struct{ store Store }

func (s primarySource) Name() string { return "primary" }

func (s primarySource) ByUser(ctx context.Context, userID int64) (*database.Connection, error) {
	return s.store.GetConnection(ctx, userID)
}

func (s primarySource) BySubject(ctx context.Context, subject string) (*database.Connection, error) {
	return s.store.GetConnectionBySubject(ctx, subject)
}

type legacySource struct{ store LegacyStore }

func (s legacySource) Name() string { return "legacy" }

func (s legacySource) ByUser(ctx context.Context, userID int64) (*database.Connection, error) {
	return s.store.GetLegacyConnection(ctx, userID)
}

func (s legacySource) BySubject(ctx context.Context, subject string) (*database.Connection, error) {
	return s.store.GetLegacyConnectionBySubject(ctx, subject)
}
