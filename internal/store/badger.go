package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

type Badger struct {
	db  *badger.DB
	log *slog.Logger
}

// NewBadger opens a badger directory. Badger's own logger is silenced.
func NewBadger(dir string, log *slog.Logger) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, log: log}, nil
}

func (b *Badger) Close() error { return b.db.Close() }

func (b *Badger) Get(_ context.Context, id string) (Snapshot, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key(id)))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(raw)
}

func (b *Badger) Put(_ context.Context, s Snapshot) error {
	raw, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key(s.ID)), raw)
	}); err != nil {
		return err
	}
	b.log.Debug("doc.saved", "driver", "badger", "id", s.ID, "bytes", len(s.Content))
	return nil
}
