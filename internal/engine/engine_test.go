package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"docsync/internal/session"
	"docsync/internal/store"
	"docsync/pkg/metrics"
	"docsync/pkg/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Envelope
}

func (s *recordingSink) Send(env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
	return true
}

func (s *recordingSink) Of(ev protocol.Event) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range s.events {
		if e.Event == ev {
			out = append(out, e)
		}
	}
	return out
}

type countingStore struct {
	*store.Memory
	puts atomic.Int32
	fail atomic.Bool
}

func newCountingStore() *countingStore { return &countingStore{Memory: store.NewMemory()} }

func (c *countingStore) Put(ctx context.Context, s store.Snapshot) error {
	if c.fail.Load() {
		return errors.New("disk full")
	}
	c.puts.Add(1)
	return c.Memory.Put(ctx, s)
}

type recordingRelay struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (r *recordingRelay) Publish(_ context.Context, _ string, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

type fixture struct {
	engine  *Engine
	reg     *session.Registry
	store   *countingStore
	clock   clockwork.FakeClock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := newCountingStore()
	reg := session.NewRegistry(st, log)
	clock := clockwork.NewFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	if cfg.AutosaveDelay == 0 {
		cfg.AutosaveDelay = time.Second
	}
	opts = append(opts, WithClock(clock))
	return &fixture{
		engine:  New(reg, st, m, log, cfg, opts...),
		reg:     reg,
		store:   st,
		clock:   clock,
		metrics: m,
	}
}

func (f *fixture) join(t *testing.T, docID, pid string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	_, err := f.engine.Join(context.Background(), docID, protocol.Participant{ID: pid, Name: pid}, sink)
	require.NoError(t, err)
	return sink
}

func operations(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	var out []string
	for _, env := range envs {
		var op protocol.RemoteOperation
		require.NoError(t, env.Decode(&op))
		out = append(out, op.Operation)
	}
	return out
}

func TestEngine_Two_Participants_Last_Write_Wins(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	a := f.join(t, "d1", "A")
	b := f.join(t, "d1", "B")

	// When A then B submit edits, received in that order
	req.NoError(f.engine.OnEdit("d1", "A", "hello"))
	f.clock.Advance(10 * time.Millisecond)
	req.NoError(f.engine.OnEdit("d1", "B", "world"))

	// Then the authoritative content is the last one received
	doc, err := f.reg.Snapshot("d1")
	req.NoError(err)
	req.Equal("world", doc.Content)

	// And A received B's edit
	req.Equal([]string{"world"}, operations(t, a.Of(protocol.EventRemoteOperation)))

	// And B was not echoed its own edit
	req.Equal([]string{"hello"}, operations(t, b.Of(protocol.EventRemoteOperation)))
	req.Equal(float64(2), testutil.ToFloat64(f.metrics.Edits))
}

func TestEngine_Broadcast_Preserves_Receipt_Order(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	a := f.join(t, "d1", "A")
	f.join(t, "d1", "B")

	for _, c := range []string{"h", "he", "hel", "hell", "hello"} {
		req.NoError(f.engine.OnEdit("d1", "B", c))
	}

	req.Equal([]string{"h", "he", "hel", "hell", "hello"}, operations(t, a.Of(protocol.EventRemoteOperation)))
}

func TestEngine_Edit_From_Non_Member_Is_Rejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	f.join(t, "d1", "A")

	req.ErrorIs(f.engine.OnEdit("d1", "ghost", "x"), session.ErrNotMember)
	req.ErrorIs(f.engine.OnEdit("nope", "A", "x"), session.ErrNoSession)

	doc, err := f.reg.Snapshot("d1")
	req.NoError(err)
	req.Equal("", doc.Content)
}

func TestEngine_Title_Change_Broadcast_To_Others(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	a := f.join(t, "d1", "A")
	b := f.join(t, "d1", "B")

	req.NoError(f.engine.OnTitleChange("d1", "A", "Roadmap"))

	req.Empty(a.Of(protocol.EventTitleUpdated))
	got := b.Of(protocol.EventTitleUpdated)
	req.Len(got, 1)
	var title string
	req.NoError(got[0].Decode(&title))
	req.Equal("Roadmap", title)
	doc, err := f.reg.Snapshot("d1")
	req.NoError(err)
	req.Equal("Roadmap", doc.Title)
	req.Equal(session.StateDirty, doc.State)
}

func TestEngine_Autosave_Fires_Once_After_Last_Edit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{AutosaveDelay: time.Second})
	f.join(t, "d1", "A")

	// Given edits at t=0, 200ms and 400ms
	req.NoError(f.engine.OnEdit("d1", "A", "a"))
	f.clock.Advance(200 * time.Millisecond)
	req.NoError(f.engine.OnEdit("d1", "A", "ab"))
	f.clock.Advance(200 * time.Millisecond)
	req.NoError(f.engine.OnEdit("d1", "A", "abc"))

	// When time reaches just before 400ms + delay
	f.clock.Advance(999 * time.Millisecond)

	// Then nothing was saved yet
	req.Equal(int32(0), f.store.puts.Load())
	req.True(f.engine.autosave.Pending("d1"))

	// When the delay expires
	f.clock.Advance(time.Millisecond)

	// Then exactly one save of the last content happens
	req.Eventually(func() bool { return f.store.puts.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.clock.Advance(10 * time.Second)
	req.Never(func() bool { return f.store.puts.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	snap, err := f.store.Get(context.Background(), "d1")
	req.NoError(err)
	req.Equal("abc", snap.Content)
	req.Eventually(func() bool {
		doc, err := f.reg.Snapshot("d1")
		return err == nil && doc.State == session.StateSaved && doc.LastSaved != nil
	}, time.Second, 5*time.Millisecond)
	req.Equal(float64(1), testutil.ToFloat64(f.metrics.Saves.WithLabelValues(metrics.TriggerAutosave)))
}

func TestEngine_Autosave_Deferred_By_Continuous_Typing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{AutosaveDelay: time.Second})
	f.join(t, "d1", "A")

	// Given an edit every 200ms for 5s
	content := ""
	for i := 0; i < 25; i++ {
		content += "x"
		req.NoError(f.engine.OnEdit("d1", "A", content))
		f.clock.Advance(200 * time.Millisecond)
	}

	// Then no autosave fired while typing
	req.Never(func() bool { return f.store.puts.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	// When input pauses
	f.clock.Advance(time.Second)

	// Then one save fires
	req.Eventually(func() bool { return f.store.puts.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_Manual_Save_Persists_And_Cancels_Autosave(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	a := f.join(t, "d1", "A")
	b := f.join(t, "d1", "B")
	req.NoError(f.engine.OnEdit("d1", "A", "draft"))
	req.True(f.engine.autosave.Pending("d1"))

	// When A saves different content
	doc, err := f.engine.OnSave(context.Background(), "d1", "A", "final")

	// Then it is durable and the document is saved
	req.NoError(err)
	req.Equal("final", doc.Content)
	req.Equal(session.StateSaved, doc.State)
	req.NotNil(doc.LastSaved)
	snap, err := f.store.Get(context.Background(), "d1")
	req.NoError(err)
	req.Equal("final", snap.Content)
	req.Equal(protocol.DefaultTitle, snap.Title)

	// And the pending autosave was dropped
	req.False(f.engine.autosave.Pending("d1"))

	// And the peer got the new content while the saver got nothing back
	req.Equal([]string{"draft", "final"}, operations(t, b.Of(protocol.EventRemoteOperation)))
	req.Empty(a.Of(protocol.EventRemoteOperation))
}

func TestEngine_Save_Failure_Keeps_Memory_State(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	f.join(t, "d1", "A")
	f.store.fail.Store(true)

	doc, err := f.engine.OnSave(context.Background(), "d1", "A", "precious")

	req.ErrorIs(err, ErrPersistence)
	req.Equal("precious", doc.Content)
	current, err := f.reg.Snapshot("d1")
	req.NoError(err)
	req.Equal("precious", current.Content)
	req.Equal(session.StateDirty, current.State)
	req.Nil(current.LastSaved)
	req.Equal(float64(1), testutil.ToFloat64(f.metrics.SaveFailures.WithLabelValues(metrics.TriggerManual)))
}

func TestEngine_Last_Leave_Flushes_And_Evicts(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{FlushOnEvict: true})
	a := f.join(t, "d1", "A")
	req.NoError(f.engine.OnEdit("d1", "A", "unsaved work"))

	remain, err := f.engine.Leave(context.Background(), "d1", "A", a)

	req.NoError(err)
	req.False(remain)
	req.Equal(0, f.reg.Len())
	req.False(f.engine.autosave.Pending("d1"))
	snap, err := f.store.Get(context.Background(), "d1")
	req.NoError(err)
	req.Equal("unsaved work", snap.Content)

	// And a later join restores it
	doc, err := f.engine.Join(context.Background(), "d1", protocol.Participant{ID: "B"}, &recordingSink{})
	req.NoError(err)
	req.Equal("unsaved work", doc.Content)
}

func TestEngine_Last_Leave_Without_Flush_Discards(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{FlushOnEvict: false})
	a := f.join(t, "d1", "A")
	req.NoError(f.engine.OnEdit("d1", "A", "scratch"))

	_, err := f.engine.Leave(context.Background(), "d1", "A", a)

	req.NoError(err)
	req.Equal(0, f.reg.Len())
	_, err = f.store.Get(context.Background(), "d1")
	req.ErrorIs(err, store.ErrNotFound)
}

func TestEngine_Disconnect_Keeps_Last_Edit_For_Others(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	a := f.join(t, "d1", "A")
	f.join(t, "d1", "B")
	req.NoError(f.engine.OnEdit("d1", "A", "typed before drop"))

	remain, err := f.engine.Leave(context.Background(), "d1", "A", a)

	req.NoError(err)
	req.True(remain)
	doc, err := f.reg.Snapshot("d1")
	req.NoError(err)
	req.Equal("typed before drop", doc.Content)
	req.Equal(float64(1), testutil.ToFloat64(f.metrics.Participants))
}

func TestEngine_Stale_Leave_Is_Ignored(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	stale := f.join(t, "d1", "A")
	f.join(t, "d1", "A")

	remain, err := f.engine.Leave(context.Background(), "d1", "A", stale)

	req.ErrorIs(err, session.ErrNotMember)
	req.True(remain)
	req.Equal(1, f.reg.Len())
}

func TestEngine_Shutdown_Flushes_Dirty_Sessions(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	f.join(t, "d1", "A")
	f.join(t, "d2", "B")
	f.join(t, "d3", "C")
	req.NoError(f.engine.OnEdit("d1", "A", "one"))
	req.NoError(f.engine.OnTitleChange("d2", "B", "two"))

	req.NoError(f.engine.Shutdown(context.Background()))

	req.Equal(int32(2), f.store.puts.Load())
	snap, err := f.store.Get(context.Background(), "d2")
	req.NoError(err)
	req.Equal("two", snap.Title)
	_, err = f.store.Get(context.Background(), "d3")
	req.ErrorIs(err, store.ErrNotFound)
}

func TestEngine_Relay_Publish_And_Apply(t *testing.T) {
	req := require.New(t)
	relay := &recordingRelay{}
	f := newFixture(t, Config{}, WithRelay(relay))
	a := f.join(t, "d1", "A")
	b := f.join(t, "d1", "B")

	// When a local edit is accepted it is published
	req.NoError(f.engine.OnEdit("d1", "A", "local"))
	req.Len(relay.sent, 1)
	req.Equal(protocol.EventRemoteOperation, relay.sent[0].Event)

	// When an edit arrives from another instance
	req.NoError(f.engine.ApplyRemote("d1", protocol.NewRemoteOperation("remote")))
	req.NoError(f.engine.ApplyRemote("d1", protocol.NewTitleUpdated("Shared")))

	// Then every local participant gets it
	req.Equal([]string{"remote"}, operations(t, a.Of(protocol.EventRemoteOperation)))
	req.Equal([]string{"local", "remote"}, operations(t, b.Of(protocol.EventRemoteOperation)))
	doc, err := f.reg.Snapshot("d1")
	req.NoError(err)
	req.Equal("remote", doc.Content)
	req.Equal("Shared", doc.Title)

	// And relayed events for unknown documents are ignored
	req.NoError(f.engine.ApplyRemote("elsewhere", protocol.NewRemoteOperation("x")))
	req.Error(f.engine.ApplyRemote("d1", protocol.NewDocumentSaved(time.Now())))
}
