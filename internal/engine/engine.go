// Package engine applies participant edits to the session registry,
// fans them out to the other participants and persists documents.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"docsync/internal/session"
	"docsync/internal/store"
	"docsync/pkg/metrics"
	"docsync/pkg/protocol"
)

// ErrPersistence wraps durable store write failures. In-memory state is
// unaffected when it is returned.
var ErrPersistence = errors.New("persistence failure")

// Relay forwards accepted events to other server instances.
type Relay interface {
	Publish(ctx context.Context, docID string, env protocol.Envelope) error
}

type Config struct {
	AutosaveDelay time.Duration
	FlushOnEvict  bool
	StoreTimeout  time.Duration
}

type Engine struct {
	reg     *session.Registry
	store   store.Store
	relay   Relay
	metrics *metrics.Metrics
	log     *slog.Logger
	cfg     Config
	clock   clockwork.Clock

	autosave *Debouncer
	saves    *keyedMutex
}

type Option func(*Engine)

// WithRelay publishes accepted edits and titles through r.
func WithRelay(r Relay) Option { return func(e *Engine) { e.relay = r } }

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

func New(reg *session.Registry, st store.Store, m *metrics.Metrics, log *slog.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	e := &Engine{
		reg:     reg,
		store:   st,
		metrics: m,
		log:     log.With("component", "engine"),
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		saves:   newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	e.autosave = NewDebouncer(e.clock, cfg.AutosaveDelay)
	return e
}

// Join registers p in docID and queues the authoritative snapshot on sink.
func (e *Engine) Join(ctx context.Context, docID string, p protocol.Participant, sink session.Sink) (session.Document, error) {
	doc, err := e.reg.Join(ctx, docID, p, sink)
	if err != nil {
		return session.Document{}, err
	}
	e.gauges()
	return doc, nil
}

// Leave removes the participant and, once the session is empty, flushes it
// (when configured) and evicts it. It reports whether members remain.
func (e *Engine) Leave(ctx context.Context, docID, participantID string, sink session.Sink) (bool, error) {
	remaining, err := e.reg.Leave(docID, participantID, sink)
	if err != nil {
		return remaining > 0, err
	}
	if remaining > 0 {
		e.gauges()
		return true, nil
	}
	e.release(ctx, docID)
	e.gauges()
	return false, nil
}

func (e *Engine) gauges() {
	e.metrics.Sessions.Set(float64(e.reg.Len()))
	e.metrics.Participants.Set(float64(e.reg.Participants()))
}

func (e *Engine) release(ctx context.Context, docID string) {
	// a few rounds in case a relayed edit lands between flush and evict
	for i := 0; i < 3; i++ {
		var (
			doc     session.Document
			members int
		)
		if err := e.reg.Do(docID, func(ed session.Edit) {
			doc = ed.Document()
			members = ed.Members()
		}); err != nil || members > 0 {
			return
		}
		e.autosave.Cancel(docID)
		if e.cfg.FlushOnEvict && doc.Dirty() {
			if _, err := e.persist(ctx, docID, metrics.TriggerEvict); err != nil {
				e.log.Warn("evict.flush.failed", "doc", docID, "err", err)
			}
			if doc, err := e.reg.Snapshot(docID); err == nil && e.reg.Evict(docID, doc.Revision) {
				return
			}
			continue
		}
		if e.reg.Evict(docID, doc.Revision) {
			return
		}
	}
}

// OnEdit overwrites the content of docID with the participant's content and
// sends it to every other participant. The sender is not echoed.
func (e *Engine) OnEdit(docID, participantID, content string) error {
	env := protocol.NewRemoteOperation(content)
	dropped, err := e.mutate(docID, participantID, func(ed session.Edit) int {
		ed.SetContent(content)
		return ed.Broadcast(env, participantID)
	})
	if err != nil {
		return err
	}
	e.metrics.Edits.Inc()
	e.metrics.Dropped.Add(float64(dropped))
	e.scheduleAutosave(docID)
	e.publish(docID, env)
	return nil
}

// OnTitleChange overwrites the title and sends it to every other participant.
func (e *Engine) OnTitleChange(docID, participantID, title string) error {
	env := protocol.NewTitleUpdated(title)
	dropped, err := e.mutate(docID, participantID, func(ed session.Edit) int {
		ed.SetTitle(title)
		return ed.Broadcast(env, participantID)
	})
	if err != nil {
		return err
	}
	e.metrics.TitleChanges.Inc()
	e.metrics.Dropped.Add(float64(dropped))
	e.scheduleAutosave(docID)
	e.publish(docID, env)
	return nil
}

// OnSave applies content as an edit and writes the document to the store.
// A store failure is returned wrapped in ErrPersistence; the returned
// document is the authoritative state either way.
func (e *Engine) OnSave(ctx context.Context, docID, participantID, content string) (session.Document, error) {
	env := protocol.NewRemoteOperation(content)
	changed := false
	dropped, err := e.mutate(docID, participantID, func(ed session.Edit) int {
		changed = ed.Document().Content != content
		ed.SetContent(content)
		if !changed {
			return 0
		}
		return ed.Broadcast(env, participantID)
	})
	if err != nil {
		return session.Document{}, err
	}
	e.metrics.Dropped.Add(float64(dropped))
	if changed {
		e.metrics.Edits.Inc()
		e.publish(docID, env)
	}
	e.autosave.Cancel(docID)
	return e.persist(ctx, docID, metrics.TriggerManual)
}

// ApplyRemote applies an event relayed from another instance and sends it
// to every local participant. Documents without a local session are skipped.
func (e *Engine) ApplyRemote(docID string, env protocol.Envelope) error {
	var apply func(session.Edit)
	switch env.Event {
	case protocol.EventRemoteOperation:
		var op protocol.RemoteOperation
		if err := env.Decode(&op); err != nil {
			return err
		}
		apply = func(ed session.Edit) { ed.SetContent(op.Operation) }
	case protocol.EventTitleUpdated:
		var title string
		if err := env.Decode(&title); err != nil {
			return err
		}
		apply = func(ed session.Edit) { ed.SetTitle(title) }
	default:
		return fmt.Errorf("relay: unexpected event %q", env.Event)
	}

	var dropped int
	err := e.reg.Do(docID, func(ed session.Edit) {
		apply(ed)
		dropped = ed.Broadcast(env, "")
	})
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	e.metrics.Relayed.Inc()
	e.metrics.Dropped.Add(float64(dropped))
	return nil
}

// Shutdown cancels pending autosaves and writes every dirty session.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.autosave.Stop()
	var errs []error
	for _, s := range e.reg.Sessions() {
		if !s.Dirty() {
			continue
		}
		if _, err := e.persist(ctx, s.ID, metrics.TriggerShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mutate runs fn on the locked session after checking membership.
func (e *Engine) mutate(docID, participantID string, fn func(session.Edit) int) (int, error) {
	var (
		dropped int
		member  bool
	)
	err := e.reg.Do(docID, func(ed session.Edit) {
		if member = ed.IsMember(participantID); member {
			dropped = fn(ed)
		}
	})
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, session.ErrNotMember
	}
	return dropped, nil
}

func (e *Engine) scheduleAutosave(docID string) {
	e.autosave.Schedule(docID, func() {
		if _, err := e.persist(context.Background(), docID, metrics.TriggerAutosave); err != nil {
			e.log.Warn("autosave.failed", "doc", docID, "err", err)
		}
	})
}

// persist writes the current state of docID. Writes of one document are
// serialized so an older snapshot never overwrites a newer one.
func (e *Engine) persist(ctx context.Context, docID, trigger string) (session.Document, error) {
	unlock := e.saves.Lock(docID)
	defer unlock()

	doc, err := e.reg.Snapshot(docID)
	if err != nil {
		return session.Document{}, err
	}
	if trigger == metrics.TriggerAutosave && !doc.Dirty() {
		return doc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	at := e.clock.Now().UTC()
	snap := store.Snapshot{ID: doc.ID, Title: doc.Title, Content: doc.Content, SavedAt: at}
	if err := e.store.Put(ctx, snap); err != nil {
		e.metrics.SaveFailures.WithLabelValues(trigger).Inc()
		return doc, fmt.Errorf("%w: save %s: %v", ErrPersistence, docID, err)
	}
	e.metrics.Saves.WithLabelValues(trigger).Inc()
	e.log.Info("doc.saved", "doc", docID, "trigger", trigger, "bytes", len(doc.Content))

	saved, err := e.reg.RecordSave(docID, doc.Revision, at)
	if err != nil {
		// evicted meanwhile; the snapshot is durable anyway
		doc.LastSaved = &at
		return doc, nil
	}
	return saved, nil
}

func (e *Engine) publish(docID string, env protocol.Envelope) {
	if e.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.relay.Publish(ctx, docID, env); err != nil {
		e.log.Warn("relay.publish.failed", "doc", docID, "event", env.Event, "err", err)
	}
}
