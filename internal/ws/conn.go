package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"docsync/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// Conn is one participant's websocket. Only the read goroutine touches
// docID and participant.
type Conn struct {
	ws  *websocket.Conn
	out chan protocol.Envelope

	docID       string
	participant protocol.Participant
}

// Accept upgrades HTTP to websocket for the allowed origins ("*" allows all)
func Accept(w http.ResponseWriter, r *http.Request, origins []string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  OriginPatterns(origins),
		CompressionMode: websocket.CompressionDisabled,
	})
}

// OriginPatterns turns CORS style origins (scheme://host[:port]) into the
// host patterns the websocket handshake matches against.
func OriginPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// NewConn wraps a WS connection with an outbound queue of size buf
func NewConn(ws *websocket.Conn, buf int) *Conn {
	return &Conn{ws: ws, out: make(chan protocol.Envelope, buf)}
}

// Send queues an event without blocking. A full queue drops the event; the
// peer catches up with the document-state it gets on its next join.
func (c *Conn) Send(env protocol.Envelope) bool {
	select {
	case c.out <- env:
		return true
	default:
		return false
	}
}

// errBadFrame marks frames that arrived intact but are not envelopes
type errBadFrame struct{ err error }

func (e errBadFrame) Error() string { return fmt.Sprintf("bad frame: %v", e.err) }
func (e errBadFrame) Unwrap() error { return e.err }

// Read blocks until it receives a text/binary message and decodes it.
// Transport failures end the connection, errBadFrame does not.
func (c *Conn) Read(ctx context.Context) (protocol.Envelope, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return protocol.Envelope{}, errBadFrame{err}
		}
		return env, nil
	}
}

// WriteLoop sends outbound messages + periodic pings
// Exits when ctx is cancelled or a write fails
func (c *Conn) WriteLoop(ctx context.Context, ping time.Duration) error {
	t := time.NewTicker(ping)
	defer t.Stop()

	for {
		select {
		case env := <-c.out:
			if err := c.write(ctx, env); err != nil {
				return err
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) write(ctx context.Context, env protocol.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.ws, env)
}

// flush writes whatever is still queued, used before closing
func (c *Conn) flush(ctx context.Context) {
	for {
		select {
		case env := <-c.out:
			if err := c.write(ctx, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close closes the WS connection with the given status
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
