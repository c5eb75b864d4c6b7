package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis keeps snapshots as plain string keys without expiry.
// It expects a redis server with persistence (AOF or RDB) enabled.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedis connects to redis and verifies connectivity
func NewRedis(ctx context.Context, addr string, db int, log *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, log: log}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Get(ctx context.Context, id string) (Snapshot, error) {
	raw, err := r.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(raw)
}

func (r *Redis) Put(ctx context.Context, s Snapshot) error {
	raw, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, key(s.ID), raw, 0).Err(); err != nil {
		return err
	}
	r.log.Debug("doc.saved", "driver", "redis", "id", s.ID, "bytes", len(s.Content))
	return nil
}
