package store

import (
	"context"
	"fmt"
	"log/slog"

	"docsync/internal/app"
)

// Open builds the store selected by cfg.StoreDriver
func Open(ctx context.Context, cfg app.Config, log *slog.Logger) (Store, error) {
	log = log.With("component", "store", "driver", cfg.StoreDriver)
	switch cfg.StoreDriver {
	case "postgres":
		return NewPostgres(ctx, cfg, log)
	case "badger":
		return NewBadger(cfg.BadgerPath, log)
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, log)
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
