package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no snapshot exists for an id.
var ErrNotFound = errors.New("document not found")

// Snapshot is the durable form of a document.
type Snapshot struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	SavedAt time.Time `json:"savedAt"`
}

// Store is a durable blob store keyed by document id.
type Store interface {
	Get(ctx context.Context, id string) (Snapshot, error)
	Put(ctx context.Context, s Snapshot) error
	Close() error
}

// kv drivers keep snapshots as JSON values
func encodeSnapshot(s Snapshot) ([]byte, error) { return json.Marshal(s) }

func decodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(b, &s)
	return s, err
}

func key(id string) string { return "doc:" + id }
