// Package client is the participant side of the sync protocol: it dials the
// server, joins a document, reconnects with bounded backoff and dispatches
// server events to typed handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"docsync/pkg/protocol"
)

var (
	// ErrNotConnected is returned by senders while the socket is down. The
	// event is not queued.
	ErrNotConnected = errors.New("not connected")
	// ErrTerminal means reconnection gave up; call Run again to retry.
	ErrTerminal = errors.New("connection failed")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	return [...]string{"disconnected", "connecting", "connected", "reconnecting", "failed"}[s]
}

type Options struct {
	URL        string // ws://host:port/ws
	DocumentID string
	User       protocol.Participant

	ReconnectionAttempts int           // default 5
	ReconnectionDelay    time.Duration // first retry delay, default 1s
	ReconnectionDelayMax time.Duration // default 5s
	Timeout              time.Duration // per dial attempt, default 20s

	Logger *slog.Logger
}

// Handlers receive server events and connection lifecycle signals. Nil
// handlers are skipped. They run on the client's read goroutine.
type Handlers struct {
	OnConnect              func()
	OnDisconnect           func(err error)
	OnConnectError         func(err error, attempt int)
	OnError                func(e *protocol.Error) // server errors and transport_* states
	OnDocumentState        func(s protocol.DocumentState)
	OnRemoteOperation      func(content string)
	OnTitleUpdated         func(title string)
	OnCollaboratorsUpdated func(ps []protocol.Participant)
	OnDocumentSaved        func(at time.Time)
}

type Client struct {
	opts Options
	h    Handlers
	log  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	connErr string
	warning string
	closing bool
	stop    context.CancelFunc

	dispatch map[protocol.Event]func(protocol.Envelope) error
}

func New(opts Options, h Handlers) *Client {
	if opts.ReconnectionAttempts <= 0 {
		opts.ReconnectionAttempts = 5
	}
	if opts.ReconnectionDelay <= 0 {
		opts.ReconnectionDelay = time.Second
	}
	if opts.ReconnectionDelayMax < opts.ReconnectionDelay {
		opts.ReconnectionDelayMax = 5 * opts.ReconnectionDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.DocumentID == "" {
		opts.DocumentID = NewDocumentID()
	}
	// a stable id lets a reconnect take over the previous membership
	if opts.User.ID == "" {
		opts.User.ID = "user_" + randomID(7)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{opts: opts, h: h, log: opts.Logger.With("component", "client", "doc", opts.DocumentID)}
	c.dispatch = map[protocol.Event]func(protocol.Envelope) error{
		protocol.EventDocumentState:        c.onDocumentState,
		protocol.EventRemoteOperation:      c.onRemoteOperation,
		protocol.EventTitleUpdated:         c.onTitleUpdated,
		protocol.EventCollaboratorsUpdated: c.onCollaborators,
		protocol.EventDocumentSaved:        c.onDocumentSaved,
		protocol.EventError:                c.onError,
	}
	return c
}

// NewDocumentID returns a fresh shareable document id.
func NewDocumentID() string { return "doc_" + randomID(9) }

func randomID(n int) string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:n] }

func (c *Client) DocumentID() string           { return c.opts.DocumentID }
func (c *Client) User() protocol.Participant { return c.opts.User }

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ConnectionError is the human readable connection problem, empty when healthy.
func (c *Client) ConnectionError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

// Warning is the last non-fatal error the server reported, such as a
// failed save. It does not mean the connection is unhealthy.
func (c *Client) Warning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warning
}

// Run connects, joins and serves events until parent is done, Close is called,
// the server closes normally, or reconnection is exhausted (ErrTerminal).
// Calling Run again after ErrTerminal is a manual retry.
func (c *Client) Run(parent context.Context) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()
	c.mu.Lock()
	c.status, c.connErr, c.closing, c.stop = StatusConnecting, "", false, stop
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stop = nil
		c.mu.Unlock()
	}()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			switch {
			case c.isClosing():
				c.setStatus(StatusDisconnected, "")
				return nil
			case parent.Err() != nil:
				c.setStatus(StatusDisconnected, "")
				return parent.Err()
			}
			c.surface(StatusFailed, protocol.CodeTransportTerminal, "Failed to connect to server. Retry to reconnect.")
			return err
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			c.setStatus(StatusDisconnected, "")
			return nil
		}
		c.conn, c.status, c.connErr, c.warning = conn, StatusConnected, "", ""
		c.mu.Unlock()
		c.log.Info("client.connected")
		if c.h.OnConnect != nil {
			c.h.OnConnect()
		}

		err = c.join(ctx, conn)
		if err == nil {
			err = c.readLoop(ctx, conn)
		}

		c.mu.Lock()
		c.conn = nil
		closing := c.closing
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if c.h.OnDisconnect != nil {
			c.h.OnDisconnect(err)
		}

		switch class := protocol.Classify(err); {
		case closing:
			c.setStatus(StatusDisconnected, "")
			return nil
		case parent.Err() != nil:
			c.setStatus(StatusDisconnected, "")
			return parent.Err()
		case class == protocol.Graceful:
			c.setStatus(StatusDisconnected, "")
			return nil
		case class == protocol.Terminal:
			c.surface(StatusFailed, protocol.CodeTransportTerminal, "Connection closed by server: "+err.Error())
			return fmt.Errorf("%w: %v", ErrTerminal, err)
		default:
			c.log.Warn("client.reconnect", "err", err)
			c.surface(StatusReconnecting, protocol.CodeTransportTransient, "Connection lost. Trying to reconnect...")
		}
	}
}

// connect dials with bounded exponential backoff
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.ReconnectionDelay
	eb.MaxInterval = c.opts.ReconnectionDelayMax
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.ReconnectionAttempts)), ctx)

	var (
		conn    *websocket.Conn
		attempt int
	)
	dial := func() error {
		attempt++
		dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		ws, resp, err := websocket.Dial(dctx, c.opts.URL, nil)
		if err != nil {
			// the server answered and refused; retrying will not help
			if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("client.connect_error", "attempt", attempt, "retry_in", next, "err", err)
		c.surface(StatusReconnecting, protocol.CodeTransportTransient, "Failed to connect to server. Trying to reconnect...")
		if c.h.OnConnectError != nil {
			c.h.OnConnectError(err, attempt)
		}
	}
	if err := backoff.RetryNotify(dial, bo, notify); err != nil {
		if c.h.OnConnectError != nil && ctx.Err() == nil {
			c.h.OnConnectError(err, attempt)
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrTerminal, attempt, err)
	}
	return conn, nil
}

func (c *Client) join(ctx context.Context, conn *websocket.Conn) error {
	env := protocol.MustNew(protocol.EventJoinDocument, protocol.JoinDocument{
		DocumentID: c.opts.DocumentID,
		User:       c.opts.User,
	})
	return c.write(ctx, conn, env)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("client.bad_frame", "err", err)
			continue
		}
		fn, ok := c.dispatch[env.Event]
		if !ok {
			c.log.Debug("client.unknown_event", "event", env.Event)
			continue
		}
		if err := fn(env); err != nil {
			c.log.Warn("client.decode", "event", env.Event, "err", err)
		}
	}
}

// Edit sends the full content as a text-operation.
func (c *Client) Edit(ctx context.Context, content string) error {
	return c.send(ctx, protocol.EventTextOperation, protocol.TextOperation{DocumentID: c.opts.DocumentID, Content: content})
}

// Save asks the server to persist content.
func (c *Client) Save(ctx context.Context, content string) error {
	return c.send(ctx, protocol.EventDocumentSave, protocol.DocumentSave{DocID: c.opts.DocumentID, Content: content})
}

func (c *Client) SetTitle(ctx context.Context, title string) error {
	return c.send(ctx, protocol.EventUpdateTitle, protocol.UpdateTitle{DocID: c.opts.DocumentID, Title: title})
}

// Close ends the current connection or the pending reconnection; Run
// returns nil.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, stop := c.conn, c.stop
	c.closing = true
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if stop != nil {
		stop()
	}
	return err
}

func (c *Client) send(ctx context.Context, ev protocol.Event, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env, err := protocol.New(ev, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, conn, env)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return wsjson.Write(wctx, conn, env)
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// surface records a transport problem and reports it as a protocol error:
// transient ones while retrying, terminal ones once retrying stopped.
func (c *Client) surface(s Status, code protocol.Code, msg string) {
	c.setStatus(s, msg)
	if c.h.OnError != nil {
		c.h.OnError(&protocol.Error{Code: code, Message: msg, Fatal: code == protocol.CodeTransportTerminal})
	}
}

func (c *Client) setStatus(s Status, connErr string) {
	c.mu.Lock()
	c.status, c.connErr = s, connErr
	c.mu.Unlock()
}
