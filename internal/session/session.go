package session

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"docsync/internal/store"
	"docsync/pkg/protocol"
)

// Session binds one document id to its participants. Every method locks
// the session, so mutations of one document are applied one at a time.
type Session struct {
	mu      sync.Mutex
	doc     Document
	members map[string]*Member
	nextSeq uint64
}

func newSession(id string) *Session {
	return &Session{
		doc:     Document{ID: id, State: StateEmpty},
		members: map[string]*Member{},
	}
}

// load fills an empty session from a saved snapshot, or with the defaults
// when snap has never been saved, and moves it to loaded.
func (s *Session) load(snap store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.State != StateEmpty {
		return
	}
	s.doc.Title, s.doc.Content = snap.Title, snap.Content
	if s.doc.Title == "" {
		s.doc.Title = protocol.DefaultTitle
	}
	if !snap.SavedAt.IsZero() {
		t := snap.SavedAt
		s.doc.LastSaved = &t
	}
	s.doc.State = StateLoaded
}

// Edit is the locked view of a session handed to Registry.Do callbacks.
type Edit struct{ s *Session }

func (e Edit) Document() Document { return e.s.doc }

// SetContent overwrites the content unconditionally. The last call wins.
func (e Edit) SetContent(content string) Document {
	e.s.doc.Content = content
	e.s.touch()
	return e.s.doc
}

func (e Edit) SetTitle(title string) Document {
	e.s.doc.Title = title
	e.s.touch()
	return e.s.doc
}

// MarkSaved records a successful save of revision rev. The state only
// becomes saved when nothing changed since rev was read.
func (e Edit) MarkSaved(rev uint64, at time.Time) Document {
	t := at
	e.s.doc.LastSaved = &t
	if e.s.doc.Revision == rev && e.s.doc.State != StateEvicted {
		e.s.doc.State = StateSaved
	}
	return e.s.doc
}

// Broadcast queues env for every member except the one with id except.
// It returns the number of dropped deliveries.
func (e Edit) Broadcast(env protocol.Envelope, except string) (dropped int) {
	for _, m := range e.s.ordered() {
		if m.Participant.ID == except {
			continue
		}
		if !m.Sink.Send(env) {
			dropped++
		}
	}
	return dropped
}

// IsMember reports whether participantID is joined.
func (e Edit) IsMember(participantID string) bool {
	_, ok := e.s.members[participantID]
	return ok
}

func (e Edit) Members() int { return len(e.s.members) }

// Participants returns the members in join order.
func (e Edit) Participants() []protocol.Participant {
	return lo.Map(e.s.ordered(), func(m *Member, _ int) protocol.Participant { return m.Participant })
}

func (s *Session) touch() {
	s.doc.Revision++
	s.doc.State = StateDirty
}

func (s *Session) ordered() []*Member {
	ms := lo.Values(s.members)
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })
	return ms
}
