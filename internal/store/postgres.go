package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docsync/internal/app"
)

type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres connects to postgres, applies migrations and returns a pool wrapper
func NewPostgres(ctx context.Context, cfg app.Config, log *slog.Logger) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(cfg.PGURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg url: %w", err)
	}
	if cfg.PGMaxConn > 0 {
		pc.MaxConns = int32(cfg.PGMaxConn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p := &Postgres{pool: pool, log: log}
	if err := RunMigrations(ctx, "postgres", p, log); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) exec(ctx context.Context, sql string) error {
	_, err := p.pool.Exec(ctx, sql)
	return err
}

// Get fetches the saved snapshot of a document
func (p *Postgres) Get(ctx context.Context, id string) (Snapshot, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, title, content, saved_at
		FROM documents
		WHERE id = $1
	`, id)

	var (
		s       Snapshot
		content []byte
	)
	if err := row.Scan(&s.ID, &s.Title, &content, &s.SavedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	s.Content = string(content)
	return s, nil
}

// Put upserts the snapshot and bumps its version. Content goes in as
// bytea since TEXT rejects NUL.
func (p *Postgres) Put(ctx context.Context, s Snapshot) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (id, title, content, version, saved_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    content = EXCLUDED.content,
		    version = documents.version + 1,
		    saved_at = EXCLUDED.saved_at
	`, s.ID, s.Title, []byte(s.Content), s.SavedAt)
	if err != nil {
		return err
	}
	p.log.Debug("doc.saved", "driver", "postgres", "id", s.ID, "bytes", len(s.Content))
	return nil
}
