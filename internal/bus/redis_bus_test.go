package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"docsync/pkg/protocol"
)

func TestRedisBus_Delivers_Only_Foreign_Messages(t *testing.T) {
	req := require.New(t)
	mr := miniredis.RunT(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, err := NewRedisBus(ctx, mr.Addr(), 0, log)
	req.NoError(err)
	defer local.Close()
	remote, err := NewRedisBus(ctx, mr.Addr(), 0, log)
	req.NoError(err)
	defer remote.Close()
	req.NotEqual(local.Origin(), remote.Origin())

	var mu sync.Mutex
	var got []Message
	go local.Subscribe(ctx, func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	// wait for the pattern subscription to be registered
	req.Eventually(func() bool { return mr.PubSubNumPat() == 1 }, time.Second, 5*time.Millisecond)

	// When both instances publish
	req.NoError(local.Publish(ctx, "d1", protocol.NewRemoteOperation("mine")))
	req.NoError(remote.Publish(ctx, "d1", protocol.NewRemoteOperation("theirs")))

	// Then only the other instance's event is delivered
	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	req.Equal("d1", got[0].DocID)
	req.Equal(remote.Origin(), got[0].Origin)
	var op protocol.RemoteOperation
	req.NoError(got[0].Event.Decode(&op))
	req.Equal("theirs", op.Operation)
}

func TestNewRedisBus_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisBus(ctx, "127.0.0.1:1", 0, slog.Default())

	require.Error(t, err)
}
