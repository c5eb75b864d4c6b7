package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"docsync/internal/store"
	"docsync/pkg/protocol"
)

var (
	ErrMalformedIdentifier = errors.New("malformed document identifier")
	ErrNoSession           = errors.New("no active session")
	ErrNotMember           = errors.New("not a member of the session")
)

// Loader reads saved snapshots. store.Store satisfies it.
type Loader interface {
	Get(ctx context.Context, id string) (store.Snapshot, error)
}

// Registry maps document ids to live sessions. Sessions are created on
// first join and evicted once empty; sessions of different documents
// never share a lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	loader Loader
	loads  singleflight.Group
	log    *slog.Logger
}

func NewRegistry(loader Loader, log *slog.Logger) *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		loader:   loader,
		log:      log.With("component", "registry"),
	}
}

// Join registers p in the session of docID, creating the session from the
// loader (or empty) when none is live. The current document is queued on
// sink as document-state before any later broadcast can reach it.
// A member with the same participant id is replaced.
func (r *Registry) Join(ctx context.Context, docID string, p protocol.Participant, sink Sink) (Document, error) {
	if strings.TrimSpace(docID) == "" {
		return Document{}, ErrMalformedIdentifier
	}
	for {
		s, err := r.open(ctx, docID)
		if err != nil {
			return Document{}, err
		}
		if doc, ok := s.join(p, sink); ok {
			return doc, nil
		}
		// lost a race with eviction, open again
	}
}

func (r *Registry) open(ctx context.Context, docID string) (*Session, error) {
	r.mu.Lock()
	s := r.sessions[docID]
	r.mu.Unlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := r.loads.Do(docID, func() (any, error) {
		snap, err := r.loader.Get(ctx, docID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Snapshot{ID: docID}, nil
		}
		return snap, err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", docID, err)
	}
	snap := v.(store.Snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.sessions[docID]; s != nil {
		return s, nil
	}
	s = newSession(docID)
	s.load(snap)
	r.sessions[docID] = s
	r.log.Info("session.created", "doc", docID, "restored", !snap.SavedAt.IsZero())
	return s, nil
}

func (s *Session) join(p protocol.Participant, sink Sink) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.State == StateEvicted {
		return Document{}, false
	}
	seq := s.nextSeq
	if old, ok := s.members[p.ID]; ok {
		seq = old.seq
	} else {
		s.nextSeq++
	}
	s.members[p.ID] = &Member{Participant: p, Sink: sink, seq: seq}
	sink.Send(protocol.NewDocumentState(s.doc.Wire()))
	return s.doc, true
}

// Leave removes participantID from docID when its membership still belongs
// to sink, and returns how many members remain. A nil sink removes
// unconditionally. ErrNotMember means the membership was already gone or
// superseded by a newer connection.
func (r *Registry) Leave(docID, participantID string, sink Sink) (remaining int, err error) {
	s := r.get(docID)
	if s == nil {
		return 0, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[participantID]
	if !ok || (sink != nil && m.Sink != sink) {
		return len(s.members), ErrNotMember
	}
	delete(s.members, participantID)
	return len(s.members), nil
}

// Evict drops the session of docID when it has no members and its revision
// is still rev. The saved snapshot, if any, is untouched.
func (r *Registry) Evict(docID string, rev uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[docID]
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) > 0 || s.doc.Revision != rev {
		return false
	}
	s.doc.State = StateEvicted
	delete(r.sessions, docID)
	r.log.Info("session.evicted", "doc", docID)
	return true
}

// Do runs fn with the session of docID locked.
func (r *Registry) Do(docID string, fn func(Edit)) error {
	s := r.get(docID)
	if s == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.State == StateEvicted {
		return ErrNoSession
	}
	fn(Edit{s})
	return nil
}

// ApplyEdit overwrites the content of docID. Whichever call locks the
// session last wins; there is no merge and no ordering metadata.
func (r *Registry) ApplyEdit(docID, content string) (doc Document, err error) {
	err = r.Do(docID, func(e Edit) { doc = e.SetContent(content) })
	return doc, err
}

func (r *Registry) ApplyTitleChange(docID, title string) (doc Document, err error) {
	err = r.Do(docID, func(e Edit) { doc = e.SetTitle(title) })
	return doc, err
}

// RecordSave stamps the last-saved time after rev was persisted.
func (r *Registry) RecordSave(docID string, rev uint64, at time.Time) (doc Document, err error) {
	err = r.Do(docID, func(e Edit) { doc = e.MarkSaved(rev, at) })
	return doc, err
}

func (r *Registry) Snapshot(docID string) (doc Document, err error) {
	err = r.Do(docID, func(e Edit) { doc = e.Document() })
	return doc, err
}

// Summary describes a live session.
type Summary struct {
	Document
	Participants int
}

// Sessions lists live sessions ordered by id.
func (r *Registry) Sessions() []Summary {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, Summary{Document: s.doc, Participants: len(s.members)})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Participants returns the number of members across all sessions.
func (r *Registry) Participants() int {
	n := 0
	for _, s := range r.Sessions() {
		n += s.Participants
	}
	return n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) get(docID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[docID]
}
