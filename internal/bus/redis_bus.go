// Package bus relays accepted document events between server instances
// over redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docsync/pkg/protocol"
)

type Message struct {
	DocID  string            `json:"docId"`
	Origin string            `json:"origin"` // instance that accepted the event
	Event  protocol.Envelope `json:"event"`
}

type RedisBus struct {
	rdb    *redis.Client
	log    *slog.Logger
	origin string
}

// NewRedisBus connects to redis and verifies connectivity
func NewRedisBus(ctx context.Context, addr string, db int, log *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisBus{rdb: rdb, log: log.With("component", "bus"), origin: uuid.NewString()}, nil
}

// Origin identifies this instance on the bus
func (b *RedisBus) Origin() string { return b.origin }

// Publish sends an event to the redis channel for a doc
func (b *RedisBus) Publish(ctx context.Context, docID string, env protocol.Envelope) error {
	raw, err := json.Marshal(Message{DocID: docID, Origin: b.origin, Event: env})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel(docID), raw).Err()
}

// Subscribe listens to all doc channels and invokes fn for each message
// published by other instances. It returns when ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(Message)) {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn("bus.decode", "channel", msg.Channel, "err", err)
				continue
			}
			if m.DocID == "" || m.Origin == b.origin {
				continue
			}
			fn(m)
		}
	}
}

// Close shuts down the redis connection
func (b *RedisBus) Close() { _ = b.rdb.Close() }

// channel namespacing for doc pub/sub
func channel(docID string) string { return "doc:" + docID }
