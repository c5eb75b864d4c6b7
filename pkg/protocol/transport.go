package protocol

import (
	"context"
	"errors"

	"nhooyr.io/websocket"
)

// Class is how a transport failure should be handled.
type Class int

const (
	// Graceful closes need no reconnect.
	Graceful Class = iota
	// Transient failures are retried with backoff.
	Transient
	// Terminal failures need a fresh manual reconnect.
	Terminal
)

func (c Class) String() string {
	switch c {
	case Graceful:
		return "graceful"
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Classify maps a websocket read/write/dial error to a Class.
func Classify(err error) Class {
	if err == nil || errors.Is(err, context.Canceled) {
		return Graceful
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return Graceful
	case websocket.StatusGoingAway, websocket.StatusInternalError, websocket.StatusTryAgainLater,
		websocket.StatusServiceRestart, websocket.StatusAbnormalClosure:
		return Transient
	case websocket.StatusPolicyViolation, websocket.StatusMessageTooBig,
		websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData, websocket.StatusProtocolError:
		return Terminal
	}
	// dropped sockets, timeouts and refused dials
	return Transient
}
