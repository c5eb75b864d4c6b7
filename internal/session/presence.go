package session

import (
	"log/slog"

	"docsync/pkg/protocol"
)

// Presence derives and pushes the participant list of a session. Lists are
// always complete snapshots, never deltas.
type Presence struct {
	reg *Registry
	log *slog.Logger
}

func NewPresence(reg *Registry, log *slog.Logger) *Presence {
	return &Presence{reg: reg, log: log.With("component", "presence")}
}

// Snapshot returns the participants of docID in join order, or nil when
// the document has no live session.
func (p *Presence) Snapshot(docID string) []protocol.Participant {
	var out []protocol.Participant
	_ = p.reg.Do(docID, func(e Edit) { out = e.Participants() })
	return out
}

// Broadcast sends collaborators-updated to every member of docID and
// returns the snapshot that was sent.
func (p *Presence) Broadcast(docID string) []protocol.Participant {
	var out []protocol.Participant
	err := p.reg.Do(docID, func(e Edit) {
		out = e.Participants()
		if dropped := e.Broadcast(protocol.NewCollaboratorsUpdated(out), ""); dropped > 0 {
			p.log.Debug("presence.dropped", "doc", docID, "count", dropped)
		}
	})
	if err != nil {
		return nil
	}
	return out
}
