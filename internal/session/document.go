// Package session holds the authoritative in-memory state of every open
// document and the set of participants editing it.
package session

import (
	"time"

	"docsync/pkg/protocol"
)

// State is the lifecycle position of a session's document.
type State int

const (
	StateEmpty State = iota
	StateLoaded
	StateDirty
	StateSaved
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateDirty:
		return "dirty"
	case StateSaved:
		return "saved"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// Document is a value snapshot of a session's authoritative state.
type Document struct {
	ID        string
	Title     string
	Content   string
	LastSaved *time.Time
	State     State
	// Revision counts accepted mutations. It is never sent to clients and
	// plays no part in conflict resolution.
	Revision uint64
}

func (d Document) Dirty() bool { return d.State == StateDirty }

func (d Document) Wire() protocol.DocumentState {
	return protocol.DocumentState{
		DocumentID: d.ID,
		Content:    d.Content,
		Title:      d.Title,
		LastSaved:  d.LastSaved,
	}
}

// Sink receives outbound events for one connection. Send must not block;
// it reports false when the event was dropped.
type Sink interface {
	Send(env protocol.Envelope) bool
}

// Member is one participant's connection to a session.
type Member struct {
	Participant protocol.Participant
	Sink        Sink
	seq         uint64
}
