package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"docsync/internal/bus"
	"docsync/internal/engine"
	"docsync/internal/session"
	"docsync/pkg/protocol"
)

type Options struct {
	Origins         []string
	SendBuffer      int
	PingInterval    time.Duration
	MaxMessageBytes int64
}

type handlerFunc func(ctx context.Context, c *Conn, env protocol.Envelope) error

// Hub supervises participant connections: join, dispatch of inbound
// events, disconnect and presence updates.
type Hub struct {
	log      *slog.Logger
	engine   *engine.Engine
	presence *session.Presence
	validate *validator.Validate
	opts     Options

	handlers map[protocol.Event]handlerFunc
	guests   atomic.Int64
	conns    atomic.Int64
}

// NewHub sets up the hub with the engine + presence tracker + logger
func NewHub(logger *slog.Logger, eng *engine.Engine, presence *session.Presence, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if len(opts.Origins) == 0 {
		opts.Origins = []string{"*"}
	}
	h := &Hub{
		log:      logger.With("component", "hub"),
		engine:   eng,
		presence: presence,
		validate: validator.New(),
		opts:     opts,
	}
	h.handlers = map[protocol.Event]handlerFunc{
		protocol.EventJoinDocument:  h.onJoin,
		protocol.EventTextOperation: h.onTextOperation,
		protocol.EventDocumentSave:  h.onSave,
		protocol.EventUpdateTitle:   h.onUpdateTitle,
	}
	return h
}

// Run listens to the redis bus and applies updates from other instances
func (h *Hub) Run(ctx context.Context, b *bus.RedisBus) {
	b.Subscribe(ctx, func(m bus.Message) {
		if err := h.engine.ApplyRemote(m.DocID, m.Event); err != nil {
			h.log.Warn("bus.apply", "doc", m.DocID, "origin", m.Origin, "err", err)
		}
	})
}

// Connections returns the number of open websockets
func (h *Hub) Connections() int64 { return h.conns.Load() }

// ServeWS handles a new /ws connection. A docId query parameter joins
// right away; otherwise the client sends join-document.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsc, err := Accept(w, r, h.opts.Origins)
	if err != nil {
		h.log.Error("ws.accept", "err", err)
		return
	}
	if h.opts.MaxMessageBytes > 0 {
		wsc.SetReadLimit(h.opts.MaxMessageBytes)
	}
	h.conns.Add(1)
	defer h.conns.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := NewConn(wsc, h.opts.SendBuffer)

	// Outbound writer
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.WriteLoop(ctx, h.opts.PingInterval)
		cancel()
	}()

	if q := r.URL.Query(); q.Get("docId") != "" {
		join := protocol.JoinDocument{
			DocumentID: q.Get("docId"),
			User:       protocol.Participant{ID: q.Get("userId"), Name: q.Get("name"), Color: q.Get("color")},
		}
		h.report(c, h.join(ctx, c, join))
	}

	// Inbound reader, one event at a time
	var readErr error
	for {
		env, err := c.Read(ctx)
		var bad errBadFrame
		if errors.As(err, &bad) {
			h.report(c, protocol.Errorf(protocol.CodeBadPayload, "%v", bad.err))
			continue
		}
		if err != nil {
			readErr = err
			break
		}
		h.report(c, h.dispatch(ctx, c, env))
	}

	h.part(c)
	cancel()
	werr := <-writeErr

	class := protocol.Classify(readErr)
	h.log.Debug("ws.closed", "doc", c.docID, "participant", c.participant.ID,
		"class", class.String(), "read_err", readErr, "write_err", werr)
	switch {
	case class == protocol.Terminal:
		_ = c.Close(websocket.StatusPolicyViolation, "protocol error")
	default:
		fctx, fcancel := context.WithTimeout(context.Background(), time.Second)
		c.flush(fctx)
		fcancel()
		// the server is going down; clients should come back
		if r.Context().Err() != nil {
			_ = c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		_ = c.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, env protocol.Envelope) error {
	fn, ok := h.handlers[env.Event]
	if !ok {
		return protocol.Errorf(protocol.CodeUnknownEvent, "unknown event %q", env.Event)
	}
	return fn(ctx, c, env)
}

// report sends err to the connection it concerns, never to its peers
func (h *Hub) report(c *Conn, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrNotMember) || errors.Is(err, session.ErrNoSession) {
		err = protocol.Errorf(protocol.CodeNotJoined, "this connection is no longer joined; join again")
	}
	pe := protocol.AsError(err)
	if pe.Code == protocol.CodeInternal {
		h.log.Error("ws.handler", "doc", c.docID, "participant", c.participant.ID, "err", err)
		pe = &protocol.Error{Code: protocol.CodeInternal, Message: "internal error", Fatal: pe.Fatal}
	}
	c.Send(protocol.NewError(pe))
}

func (h *Hub) onJoin(ctx context.Context, c *Conn, env protocol.Envelope) error {
	var msg protocol.JoinDocument
	if err := env.Decode(&msg); err != nil {
		return &protocol.Error{Code: protocol.CodeBadPayload, Message: err.Error(), Fatal: true}
	}
	return h.join(ctx, c, msg)
}

func (h *Hub) join(ctx context.Context, c *Conn, msg protocol.JoinDocument) error {
	msg.DocumentID = strings.TrimSpace(msg.DocumentID)
	if err := h.validate.Struct(msg); err != nil {
		return &protocol.Error{Code: protocol.CodeMalformedIdentifier, Message: "documentId is empty or too long", Fatal: true}
	}
	declared := msg.Identity()
	// an anonymous rejoin of the current document keeps its identity
	if c.docID != "" && c.docID == msg.DocumentID && strings.TrimSpace(declared.ID) == "" {
		declared.ID = c.participant.ID
		if strings.TrimSpace(declared.Name) == "" {
			declared.Name = c.participant.Name
		}
	}
	p := h.identity(declared)
	if err := h.validate.Struct(p); err != nil {
		return &protocol.Error{Code: protocol.CodeInvalidParticipant, Message: err.Error(), Fatal: true}
	}

	// a connection belongs to one document at a time. Joining the same
	// document again as the same participant only refreshes the snapshot.
	if c.docID != "" && (c.docID != msg.DocumentID || c.participant.ID != p.ID) {
		h.part(c)
	}

	doc, err := h.engine.Join(ctx, msg.DocumentID, p, c)
	if errors.Is(err, session.ErrMalformedIdentifier) {
		return &protocol.Error{Code: protocol.CodeMalformedIdentifier, Message: err.Error(), Fatal: true}
	}
	if err != nil {
		return fmt.Errorf("join %s: %w", msg.DocumentID, err)
	}
	c.docID, c.participant = doc.ID, p
	h.log.Info("participant.joined", "doc", doc.ID, "participant", p.ID, "state", doc.State.String())
	h.presence.Broadcast(doc.ID)
	return nil
}

// identity fills in what the client left out
func (h *Hub) identity(p protocol.Participant) protocol.Participant {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = fmt.Sprintf("User %d", h.guests.Add(1))
	}
	return p
}

// part leaves the joined document and tells the remaining participants
func (h *Hub) part(c *Conn) {
	if c.docID == "" {
		return
	}
	docID, pid := c.docID, c.participant.ID
	c.docID, c.participant = "", protocol.Participant{}

	// leaving may flush to the store, which must not be cut short by the
	// closing request context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remain, err := h.engine.Leave(ctx, docID, pid, c)
	if err != nil {
		h.log.Debug("participant.leave", "doc", docID, "participant", pid, "err", err)
		return
	}
	h.log.Info("participant.left", "doc", docID, "participant", pid)
	if remain {
		h.presence.Broadcast(docID)
	}
}

// joined returns the document an event may target
func joined(c *Conn, docID string) (string, error) {
	if c.docID == "" {
		return "", protocol.Errorf(protocol.CodeNotJoined, "join a document first")
	}
	if docID != "" && docID != c.docID {
		return "", protocol.Errorf(protocol.CodeDocumentMismatch, "joined %q, got event for %q", c.docID, docID)
	}
	return c.docID, nil
}

func (h *Hub) onTextOperation(_ context.Context, c *Conn, env protocol.Envelope) error {
	var msg protocol.TextOperation
	if err := env.Decode(&msg); err != nil {
		return protocol.Errorf(protocol.CodeBadPayload, "%v", err)
	}
	docID, err := joined(c, msg.DocumentID)
	if err != nil {
		return err
	}
	return h.engine.OnEdit(docID, c.participant.ID, msg.Content)
}

func (h *Hub) onSave(ctx context.Context, c *Conn, env protocol.Envelope) error {
	var msg protocol.DocumentSave
	if err := env.Decode(&msg); err != nil {
		return protocol.Errorf(protocol.CodeBadPayload, "%v", err)
	}
	docID, err := joined(c, msg.DocID)
	if err != nil {
		return err
	}
	doc, err := h.engine.OnSave(ctx, docID, c.participant.ID, msg.Content)
	if errors.Is(err, engine.ErrPersistence) {
		h.log.Warn("doc.save.failed", "doc", docID, "participant", c.participant.ID, "err", err)
		return protocol.Errorf(protocol.CodePersistenceFailure, "document could not be saved; your changes are kept in memory")
	}
	if err != nil {
		return err
	}
	if doc.LastSaved != nil {
		c.Send(protocol.NewDocumentSaved(*doc.LastSaved))
	}
	return nil
}

func (h *Hub) onUpdateTitle(_ context.Context, c *Conn, env protocol.Envelope) error {
	var msg protocol.UpdateTitle
	if err := env.Decode(&msg); err != nil {
		return protocol.Errorf(protocol.CodeBadPayload, "%v", err)
	}
	docID, err := joined(c, msg.DocID)
	if err != nil {
		return err
	}
	return h.engine.OnTitleChange(docID, c.participant.ID, msg.Title)
}
