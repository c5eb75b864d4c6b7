// Package protocol defines the JSON events exchanged between editors and the
// sync server over a websocket. Every frame is an Envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type Event string

// client -> server
const (
	EventJoinDocument  Event = "join-document"
	EventTextOperation Event = "text-operation"
	EventDocumentSave  Event = "document-save"
	EventUpdateTitle   Event = "update-title"
)

// server -> client
const (
	EventDocumentState        Event = "document-state"
	EventRemoteOperation      Event = "remote-operation"
	EventTitleUpdated         Event = "title-updated"
	EventCollaboratorsUpdated Event = "collaborators-updated"
	EventDocumentSaved        Event = "document-saved"
	EventError                Event = "error"
)

// DefaultTitle is given to documents that have never been saved.
const DefaultTitle = "Untitled Document"

// Envelope is the frame carried by every websocket message.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Participant is a connected editor as shown in presence lists.
type Participant struct {
	ID    string `json:"userId" validate:"max=128"`
	Name  string `json:"name" validate:"max=64"`
	Color string `json:"color" validate:"omitempty,hexcolor"`
}

type JoinDocument struct {
	DocumentID string      `json:"documentId" validate:"required,max=256"`
	User       Participant `json:"user" validate:"-"`
	// Participant is accepted as an alias of User.
	Participant *Participant `json:"participant,omitempty" validate:"-"`
}

// Identity returns the declared participant, preferring User.
func (j JoinDocument) Identity() Participant {
	if j.User == (Participant{}) && j.Participant != nil {
		return *j.Participant
	}
	return j.User
}

type TextOperation struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

type DocumentSave struct {
	DocID   string `json:"docId"`
	Content string `json:"content"`
}

type UpdateTitle struct {
	DocID string `json:"docId"`
	Title string `json:"title"`
}

type DocumentState struct {
	DocumentID string     `json:"documentId"`
	Content    string     `json:"content"`
	Title      string     `json:"title"`
	LastSaved  *time.Time `json:"lastSaved,omitempty"`
}

type RemoteOperation struct {
	Operation string `json:"operation"`
}

type DocumentSaved struct {
	LastSaved time.Time `json:"lastSaved"`
}

// New wraps a payload into an Envelope.
func New(ev Event, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev, err)
	}
	return Envelope{Event: ev, Data: raw}, nil
}

// MustNew is New for payloads that always encode (structs of strings and times).
func MustNew(ev Event, payload any) Envelope {
	env, err := New(ev, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: %w", e.Event, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

func NewDocumentState(s DocumentState) Envelope { return MustNew(EventDocumentState, s) }

func NewRemoteOperation(content string) Envelope {
	return MustNew(EventRemoteOperation, RemoteOperation{Operation: content})
}

func NewTitleUpdated(title string) Envelope { return MustNew(EventTitleUpdated, title) }

func NewCollaboratorsUpdated(ps []Participant) Envelope {
	if ps == nil {
		ps = []Participant{}
	}
	return MustNew(EventCollaboratorsUpdated, ps)
}

func NewDocumentSaved(at time.Time) Envelope {
	return MustNew(EventDocumentSaved, DocumentSaved{LastSaved: at})
}

func NewError(e *Error) Envelope { return MustNew(EventError, e) }
