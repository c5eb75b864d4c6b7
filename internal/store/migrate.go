package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// Embed files from a subfolder next to this file, one folder per SQL dialect
//
//go:embed migrations
var migrations embed.FS

type execer interface {
	exec(ctx context.Context, sql string) error
}

// RunMigrations executes all embedded .sql files of a dialect in order.
// Statements must be idempotent.
func RunMigrations(ctx context.Context, dialect string, db execer, log *slog.Logger) error {
	dir := path.Join("migrations", dialect)
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrations.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := db.exec(ctx, string(b)); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		log.Info("migration.applied", "dialect", dialect, "file", e.Name())
	}
	return nil
}
