package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens (or creates) the sqlite file and applies migrations
func NewSQLite(ctx context.Context, file string, log *slog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(file); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", file+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, log: log}
	if err := RunMigrations(ctx, "sqlite", s, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) exec(ctx context.Context, q string) error {
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *SQLite) Get(ctx context.Context, id string) (Snapshot, error) {
	var (
		snap    Snapshot
		savedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, content, saved_at FROM documents WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.Title, &snap.Content, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	if savedAt != "" {
		if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return Snapshot{}, fmt.Errorf("parse saved_at of %s: %w", id, err)
		}
	}
	return snap, nil
}

func (s *SQLite) Put(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, version, saved_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (id) DO UPDATE
		SET title = excluded.title,
		    content = excluded.content,
		    version = documents.version + 1,
		    saved_at = excluded.saved_at
	`, snap.ID, snap.Title, snap.Content, snap.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	s.log.Debug("doc.saved", "driver", "sqlite", "id", snap.ID, "bytes", len(snap.Content))
	return nil
}
