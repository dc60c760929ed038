package app

import (
	"context"
	"errors"
	"fmt"

	"signflow/internal/config"
	"signflow/internal/db"
	"signflow/internal/domain"
	"signflow/internal/events"
	"signflow/internal/migrate"
	"signflow/internal/repo"
	"signflow/internal/repo/pgrepo"
)

// OpenStore opens the configured backend and applies migrations. The
// returned func releases the connection.
func OpenStore(ctx context.Context, cfg *config.Config) (repo.Store, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := db.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pgrepo.New(pool), pool.Close, nil
	case config.DriverSQLite, "":
		conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace})
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return repo.New(conn), func() { conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// ResolveSettings returns the stored settings, seeding the store from the
// config file's signature block on first start.
func ResolveSettings(ctx context.Context, store repo.SettingsRepository, cfg *config.Config, actorID string) (domain.SignatureSettings, error) {
	s, err := store.GetSettings(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return s, err
	}
	seed, err := cfg.SeedSettings()
	if err != nil {
		return seed, fmt.Errorf("seed settings: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	saved, err := store.ReplaceSettings(ctx, seed, events.Settings(domain.EventSettingsReplaced, actorID, events.Payload{
		"provider": string(seed.Provider),
		"source":   "config",
	}))
	if err != nil {
		return seed, fmt.Errorf("seed settings: %w", err)
	}
	return saved, nil
}
